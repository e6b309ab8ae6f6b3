// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys and credentials from a directory of
// plain-text files. Each known key is one file: the filename is the key
// name and the trimmed file contents are the value.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key files the pipeline consumes. Files with other names are left alone so
// the secrets directory can hold operator notes without leaking them into
// the process.
const (
	// ClassifierAPIKey authenticates against the remote classification
	// service.
	ClassifierAPIKey = "classifier-api-key"

	// ContactEmail is appended to the outgoing User-Agent so the source
	// operator can reach us about fetch behavior.
	ContactEmail = "contact-email"
)

var knownKeys = []string{ClassifierAPIKey, ContactEmail}

// Load reads the known key files under dir and returns a map of key name to
// trimmed contents. A missing directory or missing files are not errors;
// empty files are skipped, and unreadable files produce a warning on stderr
// but do not abort.
func Load(dir string) map[string]string {
	secrets := make(map[string]string)
	for _, name := range knownKeys {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "warning: could not read secret %s: %v\n", name, err)
			}
			continue
		}
		if value := strings.TrimSpace(string(data)); value != "" {
			secrets[name] = value
		}
	}
	return secrets
}
