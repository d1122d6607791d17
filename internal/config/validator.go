// internal/config/validator.go
//
// Thin wrapper around go-playground/validator.
//
// Context
// -------
// `internal/config/loader.go` calls `validateStruct` immediately after it
// unmarshals the merged Koanf tree into a `Config` instance.  Any tag
// mismatch or validation error aborts startup, so the bot never connects
// with partial, malformed, or missing configuration.
//
// Beyond the tag rules, one struct-level rule applies: a DSN carrying a
// %s verb needs a password to substitute.
//
// Notes
// -----
//   • Oxford commas, two spaces after periods.

package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

//
// validator instance (package-level singleton)
//

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	val.RegisterStructValidation(func(sl validator.StructLevel) {
		db := sl.Current().Interface().(Database)
		if strings.Contains(db.DSN, "%s") && db.Password == "" {
			sl.ReportError(db.Password, "Password", "password", "required_with_dsn_verb", "")
		}
	}, Database{})
	return val
}

//
// public API
//

// validateStruct returns the first validation error, or nil on success.
func validateStruct(c *Config) error {
	return v.Struct(c)
}
