// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that required configuration is present and valid.
// Validation failures abort the process before the watcher loop starts.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("invalid configuration: %s failed %q (value %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Constraints the struct tags cannot express.
	if err := requireHTTPScheme(c.Cafe.BaseURL, "CAFE_BASE_URL"); err != nil {
		return err
	}
	if err := requireHTTPScheme(c.Cafe.UsersURL, "CAFE_USERS_URL"); err != nil {
		return err
	}
	if c.Mirror.SheetURL != "" {
		if err := requireHTTPScheme(c.Mirror.SheetURL, "GAS_URL"); err != nil {
			return err
		}
	}
	if c.Mirror.DatasetRepo != "" && c.Mirror.DatasetDir == "" {
		return fmt.Errorf("DATASET_DIR is required when HF_REPOSITORY is set")
	}
	return nil
}

// requireHTTPScheme rejects URLs the `url` tag accepts but the HTTP clients
// cannot use, like ftp:// or scheme-relative values.
func requireHTTPScheme(value, name string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, value)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host: %q", name, value)
	}
	return nil
}
