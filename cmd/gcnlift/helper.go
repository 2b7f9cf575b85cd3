package main

import (
	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/osutil"
	"github.com/pkg/errors"
)

// parseJSON parses the given JSON file and stores the result into v. A missing
// file leaves v untouched.
func parseJSON(jsonPath string, v interface{}) error {
	if !osutil.Exists(jsonPath) {
		warn.Printf("unable to locate JSON file %q", jsonPath)
		return nil
	}
	dbg.Printf("parseJSON(jsonPath = %q, v = %T)", jsonPath, v)
	if err := jsonutil.ParseFile(jsonPath, v); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
