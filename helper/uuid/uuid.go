// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid provides random identifiers for plan runs.
package uuid

import gouuid "github.com/hashicorp/go-uuid"

// Generate returns a random UUID string. Generation can only fail if the
// platform entropy source is broken, in which case nothing else works
// either, so the error is treated as fatal.
func Generate() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}

// Short returns the first 8 characters of a generated UUID, useful for
// compact log fields.
func Short() string {
	return Generate()[:8]
}
