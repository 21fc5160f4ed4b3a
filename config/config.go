package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/helphub/relay/log"
	"github.com/urfave/cli"
)

//FramedOptions holds the settings specific to the encrypted
//framed-stream listener used by programmatic endpoints
type FramedOptions struct {
	//Host portion for the framed-stream listener to bind on.
	//Leaving this empty is fine as it will just use the default interface.
	Host string `json:"host"`

	//Port number for the framed-stream listener
	Port uint `json:"port"`

	//KeystorePath points at the local key material used to secure the
	//framed-stream connections. Never modified at runtime.
	KeystorePath string `json:"keystorePath"`

	//ConnectionTimeout is the number of seconds a framed session may
	//go without activity before the reliability sweep disconnects it.
	//The sweep period equals this same value.
	ConnectionTimeout uint `json:"connectionTimeout"`
}

//PushOptions holds the settings for the plaintext HTTP listener that
//serves the web client's static assets and upgrades one path to the
//push (websocket) transport
type PushOptions struct {
	Host string `json:"host"`
	Port uint   `json:"port"`

	//WebAppDir is the directory of static assets served at "/"
	WebAppDir string `json:"webAppDir"`
}

//AdminOptions holds the settings for the admin control-plane listener
type AdminOptions struct {
	Host string `json:"host"`
	Port uint   `json:"port"`
}

//DataOptions holds the settings for on-disk persistence
type DataOptions struct {
	//Dir is the data directory, created on startup if missing
	Dir string `json:"dir"`

	//DBFile is the durable queue's storage file, relative to Dir
	DBFile string `json:"dbFile"`
}

//DiscoveryOptions holds the settings for the link-local service
//discovery announcement
type DiscoveryOptions struct {
	//Enabled turns the mDNS/Bonjour announcement on or off
	Enabled bool `json:"enabled"`

	//ServiceName is the instance name advertised on the LAN
	ServiceName string `json:"serviceName"`
}

//Options is a JSON serializable object holding the configuration
//settings for running a HelpHub relay server.
//
//These options can be loaded from file, or filled in from command line.
//Without a config file the CLI flags are applied over the defaults; with
//a config file, the file is merged over the defaults and the other CLI
//flags are ignored.
type Options struct {
	Framed    FramedOptions    `json:"framed"`
	Push      PushOptions      `json:"push"`
	Admin     AdminOptions     `json:"admin"`
	Data      DataOptions      `json:"data"`
	Discovery DiscoveryOptions `json:"discovery"`
	Logging   log.Options      `json:"logging"`
}

//Opts holds the global, loaded configuration. Set once during
//initialization, read everywhere else
var Opts *Options

//DefaultOptions contains the preset default options for a server
var DefaultOptions = Options{
	Framed: FramedOptions{
		Host:              "",
		Port:              5000,
		KeystorePath:      "helphub.keystore",
		ConnectionTimeout: 45,
	},

	Push: PushOptions{
		Host:      "",
		Port:      8080,
		WebAppDir: "webapp",
	},

	Admin: AdminOptions{
		Host: "",
		Port: 5001,
	},

	Data: DataOptions{
		Dir:    "data",
		DBFile: "emergency.db",
	},

	Discovery: DiscoveryOptions{
		Enabled:     true,
		ServiceName: "HelpHub Relay",
	},

	Logging: log.DefaultOptions,
}

//ErrOptionsTimeout validation error for an unusably small timeout
var ErrOptionsTimeout = errors.New("framed connection timeout must be greater than zero")

//Equals returns true if the supplied options matches these ones (this).
//Performs this as a deep-equals operation
func (o Options) Equals(opts Options) bool {
	return o.Framed == opts.Framed &&
		o.Push == opts.Push &&
		o.Admin == opts.Admin &&
		o.Data == opts.Data &&
		o.Discovery == opts.Discovery &&
		o.Logging.Equals(opts.Logging)
}

//Verify checks the Options fields for validity.
//Returns an error if a problem is incountered
func (o Options) Verify() error {
	if o.Framed.ConnectionTimeout == 0 {
		return ErrOptionsTimeout
	}

	return o.Logging.Verify()
}

//MergeFrom combines the fields from the supplied Options parameter
//into this object (smartly where applicable) and run Verify on itself,
//returning the validation error if any happened.
func (o *Options) MergeFrom(opt Options) error {
	o.Framed = opt.Framed
	o.Push = opt.Push
	o.Admin = opt.Admin
	o.Data = opt.Data
	o.Discovery = opt.Discovery

	err := o.Logging.MergeFrom(opt.Logging)
	if err != nil {
		return err
	}
	return o.Verify()
}

//ReadOptionsFromFile opens the provided JSON file and marshals the data
//into a Options object.
//Returns the results, and the first error encountered.
//The error is either validation error, or JSON encoding error.
func ReadOptionsFromFile(filename string) (Options, error) {
	res := DefaultOptions

	file, err := ioutil.ReadFile(filename)
	if err != nil {
		return res, err
	}

	err = json.Unmarshal(file, &res)
	if err != nil {
		return res, err
	}

	return res, res.Verify()
}

//NewOptions compiles the Options object from the provided sources.
//Will use custom defaults, or if nil the DefaultOptions object is used.
//Then will search the fileName json file (if provided) for options.
//Then will combine the CLI options provided from main().
//These options cascade in order where applicable for the option.
//Will run the Options.Verify() method and return the error after compilation
func NewOptions(defaults *Options, filename string, ctx *cli.Context) (Options, error) {
	res := DefaultOptions
	if defaults != nil {
		res = *defaults
	}

	if len(filename) > 0 {
		fmt.Printf("reading configuration from '%s'\n", filename)
		file, err := ReadOptionsFromFile(filename)
		if err != nil {
			return res, err
		}
		err = res.MergeFrom(file)
		if err != nil {
			return res, err
		}
	}

	if ctx != nil {
		applyCLIOptions(ctx, &res)
	}

	return res, res.Verify()
}

//applyCLIOptions writes the options presented in the CLI arguments to
//the provided Options object, overriding anything there previously
func applyCLIOptions(c *cli.Context, opts *Options) {
	if c == nil || opts == nil { //Safe-guard
		return
	}

	if c.String("config") != "" {
		//config file was used, ignore the flags
		return
	}

	opts.Framed.Host = c.String("framed-host")
	opts.Framed.Port = c.Uint("framed-port")
	opts.Framed.KeystorePath = c.String("keystore")

	if ct := c.Uint("connection-timeout"); ct > 0 {
		opts.Framed.ConnectionTimeout = ct
	}

	opts.Push.Host = c.String("push-host")
	opts.Push.Port = c.Uint("push-port")
	opts.Push.WebAppDir = c.String("webapp")

	opts.Admin.Host = c.String("admin-host")
	opts.Admin.Port = c.Uint("admin-port")

	opts.Data.Dir = c.String("data-dir")
	opts.Data.DBFile = c.String("db")

	if c.Bool("no-discovery") {
		opts.Discovery.Enabled = false
	}

	opts.Logging.Path = c.String("log")
	if str := c.String("log-level"); str != "" {
		opts.Logging.Level = str
	}
	opts.Logging.BlurTimestamps = c.Bool("log-blur")
}
