// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/ramblk/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Name       string `toml:"name" env:"RAMBLK_NAME" env-default:"test_blkdev" env-description:"Device name, like sda in /dev/sda."`
	Major      int    `toml:"major" env:"RAMBLK_MAJOR" env-default:"0" env-description:"Device major. Zero asks the registry for a free one."`
	Capacity   int64  `toml:"capacity" env:"RAMBLK_CAPACITY" env-default:"4096" env-description:"Device capacity in 512 byte sectors."`
	HwQueues   int    `toml:"hw_queues" env:"RAMBLK_HWQUEUES" env-default:"1" env-description:"Number of hardware queue contexts dispatching requests."`
	QueueDepth int    `toml:"queue_depth" env:"RAMBLK_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth per hardware queue."`
	Alloc      string `toml:"alloc" env:"RAMBLK_ALLOC" env-default:"heap" env-description:"Backing store allocator. One of heap, mmap."`
	Locking    string `toml:"locking" env:"RAMBLK_LOCKING" env-default:"range" env-description:"Backing store locking discipline. One of range, device."`
	Fill       int    `toml:"fill" env:"RAMBLK_FILL" env-default:"0" env-description:"Initial value of every byte of the backing store."`
	Null       bool   `toml:"null" env:"RAMBLK_NULL" env-default:"false" env-description:"Use null backend, i.e. immediate acknowledge to read or write. For testing dispatch raw performance."`

	NBD struct {
		Socket string `toml:"socket" env:"RAMBLK_NBD_SOCKET" env-description:"Unix socket to export the device on over NBD. Empty disables the export." env-default:""`
	} `toml:"nbd"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"RAMBLK_S3_BUCKET" env-description:"S3 Bucket name." env-default:"ramblk"`
		Remote    string `toml:"remote" env:"RAMBLK_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"RAMBLK_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"RAMBLK_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"RAMBLK_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Snapshot struct {
		Enabled   bool   `toml:"enabled" env:"RAMBLK_SNAPSHOT_ENABLED" env-description:"Export device image to S3 on SIGUSR1." env-default:"false"`
		Prefix    string `toml:"prefix" env:"RAMBLK_SNAPSHOT_PREFIX" env-description:"Object key prefix of the exported image." env-default:"image"`
		ChunkSize int64  `toml:"chunk_size" env:"RAMBLK_SNAPSHOT_CHUNKSIZE" env-description:"Size of one uploaded image object in KB." env-default:"1024"`
		Uploaders int    `toml:"uploaders" env:"RAMBLK_SNAPSHOT_UPLOADERS" env-description:"Max number of concurrent uploads." env-default:"16"`
	} `toml:"snapshot"`

	Log struct {
		Level  int  `toml:"level" env:"RAMBLK_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"RAMBLK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"RAMBLK_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"RAMBLK_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	if err := parse(); err != nil {
		return err
	}

	return Cfg.Validate()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Snapshot.ChunkSize *= 1024

	return nil
}

// Validate rejects values the device cannot be created with.
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if c.Major < 0 {
		errs = append(errs, fmt.Errorf("invalid major %d", c.Major))
	}
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid capacity %d", c.Capacity))
	}
	if c.HwQueues <= 0 {
		errs = append(errs, fmt.Errorf("invalid number of hardware queues %d", c.HwQueues))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("invalid queue depth %d", c.QueueDepth))
	}
	if c.Alloc != "heap" && c.Alloc != "mmap" {
		errs = append(errs, fmt.Errorf("unknown allocator %q", c.Alloc))
	}
	if c.Locking != "range" && c.Locking != "device" {
		errs = append(errs, fmt.Errorf("unknown locking discipline %q", c.Locking))
	}
	if c.Fill < 0 || c.Fill > 0xff {
		errs = append(errs, fmt.Errorf("fill value %d does not fit into a byte", c.Fill))
	}
	if c.Snapshot.Enabled && c.Snapshot.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid snapshot chunk size %d", c.Snapshot.ChunkSize))
	}
	if c.Snapshot.Uploaders < 0 {
		errs = append(errs, fmt.Errorf("invalid number of snapshot uploaders %d", c.Snapshot.Uploaders))
	}

	return errors.Join(errs...)
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("ramblk", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
