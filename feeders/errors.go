package feeders

import "errors"

// Static error definitions for feeders
var (
	ErrFileRead            = errors.New("cannot read config file")
	ErrDecode              = errors.New("cannot decode config file")
	ErrUnsupportedFormat   = errors.New("unsupported config file format")
	ErrEnvInvalidStructure = errors.New("env: expected pointer to struct")
	ErrEnvEmptyPrefix      = errors.New("env: prefix cannot be empty")
	ErrEnvFieldCannotBeSet = errors.New("env: field cannot be set")
	ErrEnvUnsupportedType  = errors.New("env: unsupported field type")
	ErrEnvConversion       = errors.New("env: cannot convert value")
)
