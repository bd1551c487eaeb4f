package iedfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jhalter/iedfile/mms"
	"gopkg.in/yaml.v3"
)

var ConfigSearchOrder = []string{
	"config",
	"/usr/local/var/iedfile/config",
	"/opt/homebrew/var/iedfile/config",
}

// ClientConfig holds the defaults of the iedfile command.  Command line flags
// override individual values.
type ClientConfig struct {
	Host           string        `yaml:"Host" validate:"required"`        // Device address
	Port           int           `yaml:"Port" validate:"gte=1,lte=65535"` // Device port, 102 for ISO on TCP
	ConnectTimeout time.Duration `yaml:"ConnectTimeout" validate:"gte=0"` // e.g. "10s"
	RequestTimeout time.Duration `yaml:"RequestTimeout" validate:"gte=0"` // e.g. "10s"
	Charset        string        `yaml:"Charset" validate:"charset"`      // Encoding of file names on the wire
	OutDir         string        `yaml:"OutDir"`                          // Where sync stores downloaded files
	CatalogPath    string        `yaml:"CatalogPath"`                     // SQLite catalog of fetched files
	Directory      string        `yaml:"Directory"`                       // Device directory that sync mirrors
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Port:           mms.DefaultPort,
		ConnectTimeout: mms.DefaultConnectTimeout,
		RequestTimeout: mms.DefaultRequestTimeout,
		Charset:        mms.DefaultCharset,
		OutDir:         ".",
		CatalogPath:    "iedfile.db",
	}
}

// Settings returns the connection settings described by c.
func (c *ClientConfig) Settings() mms.Settings {
	return mms.Settings{
		Host:           c.Host,
		Port:           c.Port,
		ConnectTimeout: c.ConnectTimeout,
		RequestTimeout: c.RequestTimeout,
		Charset:        c.Charset,
	}
}

func (c *ClientConfig) Validate() error {
	validate, err := newValidator()
	if err != nil {
		return err
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %v", err)
	}

	return nil
}

// LoadClientConfig reads path over the defaults.  A missing file at path is
// not an error; the defaults are returned unchanged.
func LoadClientConfig(path string) (*ClientConfig, error) {
	config := DefaultClientConfig()
	if path == "" {
		return &config, nil
	}

	yamlFile, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %v", err)
	}

	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, fmt.Errorf("unmarshal YAML: %v", err)
	}

	// Relative paths are relative to the config file.
	for _, p := range []*string{&config.OutDir, &config.CatalogPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(filepath.Dir(path), *p)
		}
	}

	return &config, nil
}

// LoadServerConfig reads and validates the device simulator configuration.
func LoadServerConfig(path string) (*mms.Config, error) {
	config := mms.Config{
		ChunkSize:    mms.DefaultChunkSize,
		MaxOpenFiles: mms.DefaultMaxOpenFiles,
		Charset:      mms.DefaultCharset,
	}

	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %v", err)
	}

	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, fmt.Errorf("unmarshal YAML: %v", err)
	}

	validate, err := newValidator()
	if err != nil {
		return nil, err
	}
	if err = validate.Struct(config); err != nil {
		// Check if this is a Charset validation error and provide a better message
		if validationErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range validationErrs {
				if fieldErr.Field() == "Charset" && fieldErr.Tag() == "charset" {
					return nil, fmt.Errorf("Charset must be a WHATWG encoding label such as utf-8 or gb18030 (got: %s)", config.Charset)
				}
			}
		}
		return nil, fmt.Errorf("validate config: %v", err)
	}

	// If the FileRoot is an absolute path, use it, otherwise treat as a relative path to the config dir.
	if !filepath.IsAbs(config.FileRoot) {
		config.FileRoot = filepath.Join(path, "../", config.FileRoot)
	}

	return &config, nil
}

func newValidator() (*validator.Validate, error) {
	validate := validator.New()
	if err := validate.RegisterValidation("charset", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if name == "" {
			return true // Empty selects UTF-8
		}
		_, err := mms.LookupCharset(name)
		return err == nil
	}); err != nil {
		return nil, fmt.Errorf("register validation: %v", err)
	}

	return validate, nil
}
