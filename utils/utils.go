package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// GetDefaultDatabasePath returns the default path for the ledger database file
func GetDefaultDatabasePath() string {
	// Get the executable path
	exePath, err := os.Executable()
	if err != nil {
		// Fallback to current directory if executable path can't be determined
		return "driftguard.db"
	}

	return filepath.Join(filepath.Dir(exePath), "driftguard.db")
}

// ParseThreshold parses a score threshold and checks it lies in [0, 1]
func ParseThreshold(thresholdStr string) (float64, error) {
	parsedThreshold, err := strconv.ParseFloat(thresholdStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid threshold value '%s': %v", thresholdStr, err)
	}
	if parsedThreshold < 0 || parsedThreshold > 1 {
		return 0, fmt.Errorf("invalid threshold value '%s': must be between 0 and 1", thresholdStr)
	}
	return parsedThreshold, nil
}

// HashBytes returns the hex sha256 digest of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex sha256 digest of s
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// ShortDigest trims a digest for log output
func ShortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
