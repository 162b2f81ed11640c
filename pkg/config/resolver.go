package config

import (
	"io"

	"github.com/Masterminds/semver"
	"github.com/imdario/mergo"
	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// supportedVersions is the config format constraint supported
// by this build. Configs with no version are accepted for
// backwards compatibility.
const supportedVersions = ">= 1.0, < 2.0"

// Load decodes a configuration document from r.
// The document is YAML, weakly decoded so that scalar types
// coming from templated configs are coerced.
func Load(r io.Reader) (*Config, error) {
	m := make(map[string]interface{})
	if err := yaml.NewDecoder(r).Decode(m); err != nil {
		return nil, errors.Annotatef(err, "syntax error")
	}

	config := &Config{}
	if err := mapstructure.WeakDecode(m, config); err != nil {
		return nil, errors.Annotatef(err, "cannot parse config")
	}

	if err := config.checkVersion(); err != nil {
		return nil, errors.Trace(err)
	}
	for name, env := range config.Environments {
		if env == nil {
			return nil, errors.NotValidf("environment '%s' is empty", name)
		}
		env.Name = name
	}
	return config, nil
}

func (c *Config) checkVersion() error {
	if c.Version == "" {
		log.Debugf("config has no version, skipping version check")
		return nil
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return errors.NotValidf("config version '%s'", c.Version)
	}
	constraint, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return errors.Trace(err)
	}
	if !constraint.Check(v) {
		return errors.NotValidf("config version '%s', supported versions are '%s'", c.Version, supportedVersions)
	}
	return nil
}

// Resolve returns the defaults-merged settings of the named
// environment. The returned value is a copy; the stored
// configuration is never modified.
func (c *Config) Resolve(name string) (*Environment, error) {
	env, ok := c.Environments[name]
	if !ok {
		return nil, errors.NotFoundf("environment '%s'", name)
	}

	resolved := &Environment{
		Name:     name,
		Account:  env.Account,
		Region:   env.Region,
		Settings: env.Settings.clone(),
		Tags:     env.Tags,
	}
	if c.Defaults != nil {
		if err := mergo.Merge(&resolved.Settings, c.Defaults.clone()); err != nil {
			return nil, errors.Annotatef(err, "cannot merge defaults for environment '%s'", name)
		}
	}
	return resolved, nil
}

// StackTags returns the deterministic tag set for one stack:
// global tags (template-rendered), overridden by environment
// tags, overridden by the fixed standard tags.
func (c *Config) StackTags(env *Environment, stackName string) (map[string]string, error) {
	tags := make(map[string]string)

	ctx := map[string]interface{}{
		"Environment":  env.Name,
		"Project":      c.Global.ProjectName,
		"Organization": c.Global.Organization,
	}
	for k, v := range c.Global.Tags {
		value, err := renderTemplate(v, ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "cannot render global tag '%s'", k)
		}
		tags[k] = value
	}

	for k, v := range env.Tags {
		tags[k] = v
	}

	tags["Environment"] = env.Name
	tags["Stack"] = stackName
	tags["ProjectName"] = c.Global.ProjectName
	tags["Organization"] = c.Global.Organization
	return tags, nil
}

// CostAllocationTags returns the subset of configured tags that
// participate in cost allocation for the environment.
func (c *Config) CostAllocationTags(env *Environment) map[string]string {
	tags := make(map[string]string)
	for _, key := range c.Global.CostAllocationTags {
		if v, ok := c.Global.Tags[key]; ok {
			tags[key] = v
		} else if v, ok := env.Tags[key]; ok {
			tags[key] = v
		}
	}
	return tags
}
