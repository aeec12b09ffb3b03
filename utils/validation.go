// Copyright 2026 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package utils

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrTooManyChars      = errors.New("too many characters")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmptyName         = errors.New("name is empty")
	ErrReservedName      = errors.New("name is reserved")
)

const MaxStringLength = 256

func ValidateString(arg string) error {
	if len(arg) > MaxStringLength {
		return ErrTooManyChars
	}
	i := strings.IndexFunc(arg, func(r rune) bool {
		return !unicode.IsPrint(r)
	})
	if i >= 0 {
		return ErrInvalidCharacters
	}
	return nil
}

// ValidatePartitionName accepts names that can be used both as a directory
// name and unquoted inside a manifest header.
func ValidatePartitionName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if name == "." || name == ".." {
		return ErrReservedName
	}
	if err := ValidateString(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "/\\ \t") {
		return ErrInvalidCharacters
	}
	return nil
}
