package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/basket/yuzai/internal/deps"
	"github.com/basket/yuzai/internal/extension"
)

type installArgs struct {
	name  string
	force bool
}

func parseInstallArgs(args []string, out io.Writer) (installArgs, error) {
	var ia installArgs
	fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.BoolVarP(&ia.force, "force", "f", false, "reinstall even when nothing changed")
	fs.Usage = func() {
		fmt.Fprintln(out, "usage: yuzai install <extension> [--force]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ia, err
	}
	switch rest := fs.Args(); len(rest) {
	case 0:
		return ia, errors.New("install: extension name required")
	case 1:
		ia.name = rest[0]
	default:
		return ia, fmt.Errorf("install: unexpected argument %q", rest[1])
	}
	return ia, nil
}

// runInstallCommand installs one extension's dependencies and returns the
// process exit code.
func runInstallCommand(ctx context.Context, installer *deps.Installer, loader *extension.Loader, args []string, stdout, stderr io.Writer) int {
	ia, err := parseInstallArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	dir := loader.ModuleDir(ia.name)
	if err := installer.InstallDependencies(ctx, dir, ia.force); err != nil {
		if errors.Is(err, deps.ErrNoManifest) {
			fmt.Fprintf(stdout, "%s: no %s, nothing to install\n", ia.name, deps.ManifestFile)
			return 0
		}
		fmt.Fprintf(stderr, "install %s failed: %v\n", ia.name, err)
		return 1
	}
	fmt.Fprintf(stdout, "%s: dependencies up to date\n", ia.name)
	return 0
}
