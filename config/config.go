/*
Package config loads and exposes ZipTag's flat configuration map: data
directory, durability tuning, resource limits and planner knobs. A
map[string]interface{} loaded from JSON with typed accessors.
*/
package config

import (
	"fmt"
	"path"
	"strconv"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/common/fileutil"
)

/*
DefaultConfigFile is the default config file name used if none is given.
*/
var DefaultConfigFile = "ziptag.config.json"

/*
Known configuration options for ZipTag.
*/
const (
	Path              = "Path"
	FlushIntervalMs   = "FlushIntervalMs"
	Workers           = "Workers"
	MaxValBytes       = "MaxValBytes"
	MaxTTypeBytes     = "MaxTTypeBytes"
	ParallelThreshold = "ParallelThreshold"
	MemoCacheEntries  = "MemoCacheEntries"
	StrictTypes       = "StrictTypes"
	SyncOnCommit      = "SyncOnCommit"
	WalSegmentBytes   = "WalSegmentBytes"
)

/*
DefaultConfig is the default configuration.
*/
var DefaultConfig = map[string]interface{}{
	Path:              "data",
	FlushIntervalMs:   200,
	Workers:           0,
	MaxValBytes:       1024,
	MaxTTypeBytes:     64,
	ParallelThreshold: 1024,
	MemoCacheEntries:  10000,
	StrictTypes:       false,
	SyncOnCommit:      false,
	WalSegmentBytes:   64 * 1024 * 1024,
}

/*
Config is the actual configuration in use.
*/
var Config map[string]interface{}

/*
LoadConfigFile loads a given config file. If the file does not exist it is
created with the default options.
*/
func LoadConfigFile(configfile string) error {
	var err error

	Config, err = fileutil.LoadConfig(configfile, DefaultConfig)

	return err
}

/*
LoadDefaultConfig loads the default configuration without touching disk.
*/
func LoadDefaultConfig() {
	data := make(map[string]interface{})
	for k, v := range DefaultConfig {
		data[k] = v
	}

	Config = data
}

// Typed accessors
// ===============

/*
Str reads a config value as a string value.
*/
func Str(key string) string {
	return fmt.Sprint(Config[key])
}

/*
Int reads a config value as an int value.
*/
func Int(key string) int64 {
	ret, err := strconv.ParseInt(fmt.Sprint(Config[key]), 10, 64)

	errorutil.AssertTrue(err == nil,
		fmt.Sprintf("Could not parse config key %v: %v", key, err))

	return ret
}

/*
Bool reads a config value as a boolean value.
*/
func Bool(key string) bool {
	ret, err := strconv.ParseBool(fmt.Sprint(Config[key]))

	errorutil.AssertTrue(err == nil,
		fmt.Sprintf("Could not parse config key %v: %v", key, err))

	return ret
}

/*
SnapshotPath returns a path relative to the configured data directory.
*/
func SnapshotPath(parts ...string) string {
	return path.Join(Str(Path), path.Join(parts...))
}
