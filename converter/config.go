package converter

import (
	"io/ioutil"
	"regexp"

	"gopkg.in/yaml.v2"

	"github.com/binzume/xsiconv/xsi"
)

// Config is the conversion settings file.
type Config struct {
	Scale      float32 `yaml:"scale"`
	ForceUnlit bool    `yaml:"forceUnlit"`
	FPS        float32 `yaml:"fps"`

	Texture struct {
		ReCompress      bool    `yaml:"reCompress"`
		BytesThreshold  int64   `yaml:"bytesThreshold"`
		ResolutionLimit int     `yaml:"resolutionLimit"`
		Scale           float32 `yaml:"scale"`
	} `yaml:"texture"`

	// SkipBlocks prunes matching blocks while reading a scene.
	SkipBlocks []string `yaml:"skipBlocks"`

	AllowDuplicateNames bool `yaml:"allowDuplicateNames"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// GLTFOption maps the settings onto converter options.
func (c *Config) GLTFOption() *XSIToGLTFOption {
	return &XSIToGLTFOption{
		Scale:                  c.Scale,
		ForceUnlit:             c.ForceUnlit,
		TextureReCompress:      c.Texture.ReCompress,
		TextureBytesThreshold:  c.Texture.BytesThreshold,
		TextureResolutionLimit: c.Texture.ResolutionLimit,
		TextureScale:           c.Texture.Scale,
	}
}

// ParseOptions compiles SkipBlocks into reader options.
func (c *Config) ParseOptions() (*xsi.ParseOptions, error) {
	opts := &xsi.ParseOptions{AllowDuplicateNames: c.AllowDuplicateNames}
	for _, pattern := range c.SkipBlocks {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		opts.Skip = append(opts.Skip, re)
	}
	return opts, nil
}
