// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads hpcinfer configuration files.
package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

const DefaultConfigFile = "/etc/hpcinfer/config.yml"

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file, or "-" for stdin. Defaults to $HPCINFER_CONFIG
	// or DefaultConfigFile.
	Path string

	// Don't warn about keys that are not defined in the defaults.
	SkipExtraKeysCheck bool

	configdata []byte
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	ldr.Path = ""
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can
// be used to change the loader's Path.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == DefaultConfigFile
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	def := os.Getenv("HPCINFER_CONFIG")
	if def == "" {
		def = DefaultConfigFile
	}
	flagset.StringVar(&ldr.Path, "config", def, "Site configuration `file` (default may be overridden by setting an HPCINFER_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads the defaults, then the config file at ldr.Path on top
// of them, and checks the result.
func (ldr *Loader) Load() (*hpcinfer.Config, error) {
	if ldr.Path == "" {
		ldr.Path = os.Getenv("HPCINFER_CONFIG")
		if ldr.Path == "" {
			ldr.Path = DefaultConfigFile
		}
	}
	if ldr.configdata == nil {
		buf, err := ldr.loadBytes(ldr.Path)
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
	}

	var cfg hpcinfer.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	err = yaml.Unmarshal(ldr.configdata, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", ldr.Path, err)
	}
	if !ldr.SkipExtraKeysCheck {
		err = ldr.checkExtraKeys()
		if err != nil {
			return nil, err
		}
	}
	err = cfg.Check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) checkExtraKeys() error {
	var loaded, defaults map[string]interface{}
	err := yaml.Unmarshal(ldr.configdata, &loaded)
	if err != nil {
		return err
	}
	if loaded == nil {
		// empty file
		return nil
	}
	err = yaml.Unmarshal(DefaultYAML, &defaults)
	if err != nil {
		return err
	}
	ldr.logExtraKeys(defaults, loaded, "")
	return nil
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	allowed := map[string]interface{}{}
	for k, v := range expected {
		allowed[strings.ToLower(k)] = v
	}
	var keys []string
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vexp, ok := allowed[strings.ToLower(k)]
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := supplied[k].(map[string]interface{}); !ok {
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); ok {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

// LoadFile is a convenience wrapper for loading a config file
// without a flagset.
func LoadFile(path string, logger logrus.FieldLogger) (*hpcinfer.Config, error) {
	if path == "" {
		return nil, errors.New("no config file specified")
	}
	ldr := NewLoader(nil, logger)
	ldr.Path = path
	return ldr.Load()
}
