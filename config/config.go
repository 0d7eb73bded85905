// Package config loads the client configuration from YAML files and environment variables and
// builds backends and transfer managers from it.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bitrise-io/go-objectstorage/auth"
	"github.com/bitrise-io/go-objectstorage/cos"
	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/s3"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-objectstorage/transfer"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Backend dialects.
const (
	BackendCOS = "cos"
	BackendS3  = "s3"
)

// Environment variables read by FromEnv.
const (
	BackendKey              = "OBJECTSTORAGE_BACKEND"
	RegionKey               = "OBJECTSTORAGE_REGION"
	EndpointTemplateKey     = "OBJECTSTORAGE_ENDPOINT_TEMPLATE"
	SchemeKey               = "OBJECTSTORAGE_SCHEME"
	SecretIDKey             = "OBJECTSTORAGE_SECRET_ID"
	SecretKeyKey            = "OBJECTSTORAGE_SECRET_KEY"
	SessionTokenKey         = "OBJECTSTORAGE_SESSION_TOKEN"
	S3EndpointKey           = "OBJECTSTORAGE_S3_ENDPOINT"
	S3PathStyleKey          = "OBJECTSTORAGE_S3_PATH_STYLE"
	PartSizeKey             = "OBJECTSTORAGE_PART_SIZE"
	SingleShotThresholdKey  = "OBJECTSTORAGE_SINGLE_SHOT_THRESHOLD"
	CopyThresholdKey        = "OBJECTSTORAGE_COPY_THRESHOLD"
	StreamPartSizeKey       = "OBJECTSTORAGE_STREAM_PART_SIZE"
	ConcurrencyKey          = "OBJECTSTORAGE_CONCURRENCY"
	SameRegionDirectCopyKey = "OBJECTSTORAGE_SAME_REGION_DIRECT_COPY"
	EnableMD5Key            = "OBJECTSTORAGE_ENABLE_MD5"
	RequestTimeoutKey       = "OBJECTSTORAGE_REQUEST_TIMEOUT"
	SignatureValidityKey    = "OBJECTSTORAGE_SIGNATURE_VALIDITY"
	RetryMaxKey             = "OBJECTSTORAGE_RETRY_MAX"
)

// Size is a byte count written in human form, e.g. "8MiB" or "512k". Units are powers of 1024.
type Size int64

// ParseSize ...
func ParseSize(s string) (Size, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return Size(n), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// UnmarshalYAML accepts both plain byte counts and human sizes.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	parsed, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = parsed
	return nil
}

// Config is the client configuration.
type Config struct {
	Backend          string `yaml:"backend"`
	Region           string `yaml:"region"`
	EndpointTemplate string `yaml:"endpoint_template"`
	Scheme           string `yaml:"scheme"`

	SecretID     string `yaml:"secret_id"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`

	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`

	PartSize             Size `yaml:"part_size"`
	SingleShotThreshold  Size `yaml:"single_shot_threshold"`
	CopyThreshold        Size `yaml:"copy_threshold"`
	StreamPartSize       Size `yaml:"stream_part_size"`
	Concurrency          int  `yaml:"concurrency"`
	SameRegionDirectCopy bool `yaml:"same_region_direct_copy"`
	EnableMD5            bool `yaml:"enable_md5"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	SignatureValidity time.Duration `yaml:"signature_validity"`
	RetryMax          int           `yaml:"retry_max"`
}

// LoadFile reads a YAML configuration file. The backend defaults to COS.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if c.Backend == "" {
		c.Backend = BackendCOS
	}
	return c, nil
}

// FromEnv reads the configuration from environment variables. The backend defaults to COS.
func FromEnv(envRepo env.Repository) (Config, error) {
	c := Config{Backend: BackendCOS}
	if err := c.ApplyEnv(envRepo); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyEnv overrides fields with the environment variables that are set.
func (c *Config) ApplyEnv(envRepo env.Repository) error {
	strs := map[string]*string{
		BackendKey:          &c.Backend,
		RegionKey:           &c.Region,
		EndpointTemplateKey: &c.EndpointTemplate,
		SchemeKey:           &c.Scheme,
		SecretIDKey:         &c.SecretID,
		SecretKeyKey:        &c.SecretKey,
		SessionTokenKey:     &c.SessionToken,
		S3EndpointKey:       &c.S3Endpoint,
	}
	for key, field := range strs {
		if v := envRepo.Get(key); v != "" {
			*field = v
		}
	}

	sizes := map[string]*Size{
		PartSizeKey:            &c.PartSize,
		SingleShotThresholdKey: &c.SingleShotThreshold,
		CopyThresholdKey:       &c.CopyThreshold,
		StreamPartSizeKey:      &c.StreamPartSize,
	}
	for key, field := range sizes {
		v := envRepo.Get(key)
		if v == "" {
			continue
		}
		size, err := ParseSize(v)
		if err != nil {
			return &errors.ConfigurationError{Field: key, Reason: err.Error()}
		}
		*field = size
	}

	ints := map[string]*int{
		ConcurrencyKey: &c.Concurrency,
		RetryMaxKey:    &c.RetryMax,
	}
	for key, field := range ints {
		v := envRepo.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &errors.ConfigurationError{Field: key, Reason: fmt.Sprintf("not an integer: %s", v)}
		}
		*field = n
	}

	bools := map[string]*bool{
		S3PathStyleKey:          &c.S3PathStyle,
		SameRegionDirectCopyKey: &c.SameRegionDirectCopy,
		EnableMD5Key:            &c.EnableMD5,
	}
	for key, field := range bools {
		v := envRepo.Get(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &errors.ConfigurationError{Field: key, Reason: fmt.Sprintf("not a boolean: %s", v)}
		}
		*field = b
	}

	durations := map[string]*time.Duration{
		RequestTimeoutKey:    &c.RequestTimeout,
		SignatureValidityKey: &c.SignatureValidity,
	}
	for key, field := range durations {
		v := envRepo.Get(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &errors.ConfigurationError{Field: key, Reason: fmt.Sprintf("not a duration: %s", v)}
		}
		*field = d
	}

	return nil
}

// Validate reports the first invalid field as *errors.ConfigurationError.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendCOS:
		if c.SecretID == "" || c.SecretKey == "" {
			return &errors.ConfigurationError{Field: "secret_id/secret_key", Reason: errors.ErrMissingCredentials.Error()}
		}
	case BackendS3:
		if (c.SecretID == "") != (c.SecretKey == "") {
			return &errors.ConfigurationError{Field: "secret_id/secret_key", Reason: "both or neither must be set"}
		}
	default:
		return &errors.ConfigurationError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q, expected %q or %q", c.Backend, BackendCOS, BackendS3)}
	}

	if c.Region == "" {
		return &errors.ConfigurationError{Field: "region", Reason: "region is required"}
	}
	if c.Scheme != "" && c.Scheme != "http" && c.Scheme != "https" {
		return &errors.ConfigurationError{Field: "scheme", Reason: fmt.Sprintf("unsupported scheme %q", c.Scheme)}
	}

	sizes := map[string]Size{
		"part_size":             c.PartSize,
		"single_shot_threshold": c.SingleShotThreshold,
		"copy_threshold":        c.CopyThreshold,
		"stream_part_size":      c.StreamPartSize,
	}
	for field, size := range sizes {
		if size < 0 {
			return &errors.ConfigurationError{Field: field, Reason: "must not be negative"}
		}
	}
	if c.PartSize > 0 && int64(c.PartSize) > transfer.MaxPartSize {
		return &errors.ConfigurationError{Field: "part_size", Reason: fmt.Sprintf("exceeds %s", Size(transfer.MaxPartSize))}
	}
	if c.Concurrency < 0 {
		return &errors.ConfigurationError{Field: "concurrency", Reason: "must not be negative"}
	}
	if c.RequestTimeout < 0 || c.SignatureValidity < 0 {
		return &errors.ConfigurationError{Field: "request_timeout/signature_validity", Reason: "must not be negative"}
	}
	return nil
}

// TransferOptions returns the transfer options, zero values meaning transfer defaults.
func (c Config) TransferOptions() transfer.Options {
	opts := transfer.DefaultOptions()
	if c.PartSize > 0 {
		opts.PartSize = int64(c.PartSize)
	}
	if c.SingleShotThreshold > 0 {
		opts.SingleShotThreshold = int64(c.SingleShotThreshold)
	}
	if c.CopyThreshold > 0 {
		opts.CopySingleShotThreshold = int64(c.CopyThreshold)
	}
	if c.StreamPartSize > 0 {
		opts.StreamPartSize = int64(c.StreamPartSize)
	}
	if c.Concurrency > 0 {
		opts.Concurrency = c.Concurrency
	}
	opts.SameRegionDirectCopy = c.SameRegionDirectCopy
	opts.EnableMD5 = c.EnableMD5
	return opts
}

// NewCOSClient ...
func (c Config) NewCOSClient(logger log.Logger) (*cos.Client, error) {
	creds := auth.Credentials{SecretID: c.SecretID, SecretKey: c.SecretKey, SessionToken: c.SessionToken}
	return cos.NewClient(creds, cos.Options{
		Region:            c.Region,
		EndpointTemplate:  c.EndpointTemplate,
		Scheme:            c.Scheme,
		SignatureValidity: c.SignatureValidity,
		RequestTimeout:    c.RequestTimeout,
		RetryMax:          c.RetryMax,
	}, logger)
}

// NewS3Backend ...
func (c Config) NewS3Backend(ctx context.Context, logger log.Logger) (*s3.Backend, error) {
	return s3.NewFromOptions(ctx, s3.Options{
		Region:           c.Region,
		Endpoint:         c.S3Endpoint,
		UsePathStyle:     c.S3PathStyle,
		AccessKeyID:      c.SecretID,
		SecretAccessKey:  c.SecretKey,
		SessionToken:     c.SessionToken,
		RetryMaxAttempts: c.RetryMax,
	}, logger)
}

// NewManager validates the configuration and creates a transfer manager on the configured
// backend.
func (c Config) NewManager(ctx context.Context, logger log.Logger) (*transfer.Manager, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	opts := []transfer.ManagerOption{
		transfer.WithLogger(logger),
		transfer.WithOptions(c.TransferOptions()),
	}

	var backend storage.Backend
	switch c.Backend {
	case BackendS3:
		b, err := c.NewS3Backend(ctx, logger)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		client, err := c.NewCOSClient(logger)
		if err != nil {
			return nil, err
		}
		backend = client
		opts = append(opts, transfer.WithHTTPClient(client.HTTPClient()))
	}

	logger.Debugf("Using %s backend in %s (part size: %s, concurrency: %d)",
		c.Backend, c.Region, Size(c.TransferOptions().PartSize), c.TransferOptions().Concurrency)
	return transfer.NewManager(backend, opts...), nil
}
