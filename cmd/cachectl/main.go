// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// cachectl is a small command-line front end to the caching core: it
// wires a registry.Registry against the local/s3/hdfs/tachyon adapters
// and exposes the scanner-facing Handle API operations as subcommands,
// for poking at a cache deployment by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/impalatogo/dfscache/cacheconfig"
	"github.com/impalatogo/dfscache/cachefile"
	"github.com/impalatogo/dfscache/fsadapter"
	"github.com/impalatogo/dfscache/fsadapter/hdfs"
	"github.com/impalatogo/dfscache/fsadapter/local"
	"github.com/impalatogo/dfscache/fsadapter/s3"
	"github.com/impalatogo/dfscache/fsadapter/tachyon"
	"github.com/impalatogo/dfscache/handle"
	"github.com/impalatogo/dfscache/registry"
)

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func dialers() map[fsadapter.Type]fsadapter.Dialer {
	return map[fsadapter.Type]fsadapter.Dialer{
		fsadapter.Local:   local.Dial,
		fsadapter.HDFS:    hdfs.Dial,
		fsadapter.S3N:     s3.Dial,
		fsadapter.S3A:     s3.Dial,
		fsadapter.Tachyon: tachyon.Dialer(s3.Dial),
	}
}

func descriptorFlag(dfsType, host string, port int, creds string) fsadapter.Descriptor {
	return fsadapter.Descriptor{
		DFSType:     fsadapter.Type(dfsType),
		Host:        host,
		Port:        port,
		Credentials: creds,
	}
}

func main() {
	cfgPath := flag.String("config", "", "path to a cacheconfig YAML document")
	dfsType := flag.String("dfs-type", "local", "dfsType of the target descriptor (local, hdfs, s3n, s3a, tachyon)")
	host := flag.String("host", "", "descriptor host")
	port := flag.Int("port", 0, "descriptor port")
	creds := flag.String("creds", "", "adapter-specific credentials blob")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		exitf("usage: cachectl [flags] <stat|ls|cat> <path>")
	}

	cfg := cacheconfig.Config{}.WithDefaults()
	if *cfgPath != "" {
		var err error
		cfg, err = cacheconfig.Load(*cfgPath)
		if err != nil {
			exitf("loading config: %s", err)
		}
		cfg = cfg.WithDefaults()
	}

	logger := log.New(os.Stderr, "cachectl: ", log.LstdFlags)
	reg := registry.New(cfg, dialers(), logger)
	reg.Start()
	defer reg.Stop()

	d := descriptorFlag(*dfsType, *host, *port, *creds)
	ctx := context.Background()
	if err := reg.RegisterFileSystem(ctx, d); err != nil {
		exitf("registering filesystem: %s", err)
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "stat":
		runStat(ctx, reg, d, rest)
	case "ls":
		runList(ctx, reg, d, rest)
	case "cat":
		runCat(ctx, reg, d, rest)
	default:
		exitf("unknown subcommand %q", cmd)
	}
}

func runStat(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, args []string) {
	if len(args) != 1 {
		exitf("usage: cachectl stat <path>")
	}
	st, err := handle.PathInfo(ctx, reg, d, args[0])
	if err != nil {
		exitf("stat %s: %s", args[0], err)
	}
	fmt.Printf("%s\t%d\t%s\tdir=%v\n", st.Path, st.Size, st.ModTime, st.IsDir)
}

func runList(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, args []string) {
	if len(args) != 1 {
		exitf("usage: cachectl ls <path>")
	}
	entries, err := handle.ListDirectory(ctx, reg, d, args[0])
	if err != nil {
		exitf("ls %s: %s", args[0], err)
	}
	for _, e := range entries {
		fmt.Printf("%s\t%d\t%s\tdir=%v\n", e.Path, e.Size, e.ModTime, e.IsDir)
	}
}

func runCat(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, args []string) {
	if len(args) != 1 {
		exitf("usage: cachectl cat <path>")
	}
	h, err := handle.Open(ctx, reg, d, args[0], fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		exitf("open %s: %s", args[0], err)
	}
	defer h.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := h.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
}
