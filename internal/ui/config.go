package ui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/go-playground/validator"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"logscope/internal/common"
	"logscope/internal/document"
)

var errNoConfigFile = fmt.Errorf("no config file loaded")

type Config struct {
	// the log file to open, example: "./app.log"
	File string `validate:"required,path_exists" yaml:"file"`
	// text encoding of the file: utf-8, utf-16le or utf-16be
	Encoding string `validate:"required,encoding" yaml:"encoding"`
	// a regular expression with named groups, each group becomes a field,
	// example: "^\[[^\]]+\] (?P<level>[A-Z]+) (?P<component>[a-z]+):"
	FieldPattern string `validate:"regexp" yaml:"field_pattern"`
	// initial size of the scanner buffer in bytes, it grows for longer lines
	ScanBufferSize int `validate:"min=0" yaml:"scan_buffer_size"`
	// keep reading the file as it grows
	Follow       bool          `yaml:"follow"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// map a static file into memory for random reads
	UseMmap bool `yaml:"use_mmap"`
	// caps the scanning speed in bytes per second (0 is unlimited)
	ReadLimit int `validate:"min=0" yaml:"read_limit"`
	// search workers, defaults to the number of cores if omitted or <1
	Concurrency int `yaml:"concurrency"`
	// where the HTTP API listens
	HttpAddr string `validate:"required" yaml:"http_addr"`
	// logger configuration: prod, dev or test
	LogEnv string `validate:"oneof=prod dev test" yaml:"log_env"`
}

// Validate is the final check after all overrides are done (file load, command arguments substituted)
func (cfg Config) Validate() error {
	translateError := func(e validator.FieldError) string {
		switch e.ActualTag() {
		case "path_exists":
			return fmt.Sprintf("path \"%v\" does not exist", e.Value())
		case "required":
			return "value is empty"
		case "regexp":
			return "invalid regular expression"
		case "encoding":
			return fmt.Sprintf("unsupported encoding \"%v\"", e.Value())
		default:
			return fmt.Sprintf("invalid value (%s)", e.Tag())
		}
	}

	cfgValidate := validator.New()

	err := cfgValidate.RegisterValidation(
		"path_exists", func(fl validator.FieldLevel) bool {
			path := fl.Field().String()
			if !filepath.IsAbs(path) {
				cwd, _ := os.Getwd()
				path = filepath.Join(cwd, path)
			}
			_, err := os.Stat(path)
			return err == nil
		},
	)
	if err != nil {
		return err
	}

	err = cfgValidate.RegisterValidation(
		"regexp", func(fl validator.FieldLevel) bool {
			_, err := regexp.Compile(fl.Field().String())
			return err == nil
		},
	)
	if err != nil {
		return err
	}

	err = cfgValidate.RegisterValidation(
		"encoding", func(fl validator.FieldLevel) bool {
			_, err := common.LookupEncoding(fl.Field().String())
			return err == nil
		},
	)
	if err != nil {
		return err
	}

	err = cfgValidate.Struct(cfg)
	if err != nil {
		message := "Invalid config values:\n"
		for _, err := range err.(validator.ValidationErrors) {
			message += fmt.Sprintf("> %v: %s\n", err.StructField(), translateError(err))
		}
		return errors.New(message)
	}

	if cfg.Follow && cfg.UseMmap {
		return errors.New("a followed file cannot be memory mapped")
	}

	return nil
}

// DocumentOptions translates the config for the document session.
func (cfg Config) DocumentOptions() document.Options {
	enc, _ := common.LookupEncoding(cfg.Encoding)
	return document.Options{
		Encoding:       enc,
		FieldPattern:   cfg.FieldPattern,
		ScanBufferSize: cfg.ScanBufferSize,
		Follow:         cfg.Follow,
		PollInterval:   cfg.PollInterval,
		UseMmap:        cfg.UseMmap,
		ReadLimit:      cfg.ReadLimit,
		Workers:        cfg.Concurrency,
	}
}

var DefaultCfg = Config{
	Encoding:       common.UTF8.Name,
	ScanBufferSize: 64 * 1024,
	PollInterval:   time.Second,
	Concurrency:    runtime.NumCPU(),
	HttpAddr:       ":8393",
	LogEnv:         "prod",
}

// LoadConfig reads logscope.yaml from dir (the working directory if empty) over the defaults.
func LoadConfig(dir string) (cfg Config, err error) {
	cfg = DefaultCfg
	if dir == "" {
		dir = "."
	}

	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("logscope")

	err = v.ReadInConfig()
	if err == nil {
		err = v.Unmarshal(
			&cfg, func(dc *mapstructure.DecoderConfig) {
				dc.TagName = "yaml"
			},
		)
		if err != nil {
			err = fmt.Errorf("unable to decode into config struct: %w", err)
			return
		}
	} else {
		// Check config read errors
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			err = errNoConfigFile
			return
		}
		err = fmt.Errorf("unable to use config file: %s", err)
		return
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultCfg.Concurrency
	}

	return cfg, nil
}
