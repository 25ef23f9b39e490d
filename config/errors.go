package config

import "fmt"

type FileError struct {
	Path string
	Err  error
}

func (f *FileError) Error() string {
	return fmt.Sprintf("failed to read config file %s: %s", f.Path, f.Err)
}

func (f *FileError) Unwrap() error { return f.Err }

type ValidationError struct {
	Field  string
	Reason string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", v.Field, v.Reason)
}
