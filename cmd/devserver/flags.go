package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/sim"
)

// configEnv names the environment variable holding the config file path.
const configEnv = "DEVSERVER_CONFIG"

// options are the command line settings. They override the config file.
type options struct {
	instance   string
	configPath string
	trace      int // -1 when not given
	noDB       bool
	class      string
	devices    []string
	register   classDevices
}

// classDevices collects repeated "-register Class=dev1,dev2" flags.
type classDevices map[string][]string

func (c classDevices) String() string {
	parts := make([]string, 0, len(c))
	for class, devs := range c {
		parts = append(parts, class+"="+strings.Join(devs, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func (c classDevices) Set(v string) error {
	class, list, ok := strings.Cut(v, "=")
	class = strings.TrimSpace(class)
	if !ok || class == "" {
		return fmt.Errorf("want Class=dev1,dev2, got %q", v)
	}
	devs := splitList(list)
	if len(devs) == 0 {
		return fmt.Errorf("no devices given for class %s", class)
	}
	c[class] = append(c[class], devs...)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// attachedTrace reports whether a is the attached trace form, e.g. -v4.
func attachedTrace(a string) bool {
	return len(a) == 3 && strings.HasPrefix(a, "-v") && a[2] >= '0' && a[2] <= '9'
}

// parseArgs reads "devserver [instance] [flags]". The instance may come
// before or after the flags.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{trace: -1, register: classDevices{}}

	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: devserver <instance> [-v<0-5>] [-nodb [-dlist dev1,dev2]] [-config file]")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configPath, "config", "", "configuration file (default $"+configEnv+")")
	fs.IntVar(&opts.trace, "v", -1, "trace level 0..5")
	fs.BoolVar(&opts.noDB, "nodb", false, "run without a registry")
	fs.StringVar(&opts.class, "class", sim.MotorClassName, "class of the -dlist devices")
	dlist := fs.String("dlist", "", "comma separated device names, with -nodb")
	fs.Var(opts.register, "register", "declare Class=dev1,dev2 in the registry before start (repeatable)")

	norm := make([]string, 0, len(args))
	for _, a := range args {
		if attachedTrace(a) {
			a = "-v=" + a[2:]
		}
		norm = append(norm, a)
	}
	if len(norm) > 0 && !strings.HasPrefix(norm[0], "-") {
		opts.instance, norm = norm[0], norm[1:]
	}
	if err := fs.Parse(norm); err != nil {
		return nil, err
	}
	switch rest := fs.Args(); {
	case len(rest) == 1 && opts.instance == "":
		opts.instance = rest[0]
	case len(rest) > 0:
		return nil, fmt.Errorf("unexpected arguments %q", rest)
	}

	if opts.trace > 5 {
		return nil, fmt.Errorf("trace level %d out of range 0..5", opts.trace)
	}
	opts.devices = splitList(*dlist)
	if len(opts.devices) > 0 && !opts.noDB {
		return nil, errors.New("-dlist requires -nodb")
	}
	if len(opts.register) > 0 && opts.noDB {
		return nil, errors.New("-register needs a registry and cannot be used with -nodb")
	}
	return opts, nil
}

// path returns the config file to load: the flag, then the environment.
// Empty means defaults only.
func (o *options) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv(configEnv)
}

// apply overrides cfg with the command line.
func (o *options) apply(cfg *config.Config) {
	if o.instance != "" {
		cfg.Server.Instance = o.instance
	}
	if o.trace >= 0 {
		cfg.Server.TraceLevel = o.trace
		cfg.Logging.Level = logging.LevelForTrace(o.trace)
	}
	if o.noDB {
		cfg.Server.NoRegistry = true
	}
	if len(o.devices) > 0 {
		cfg.Server.Devices = map[string][]string{o.class: o.devices}
	}
}
