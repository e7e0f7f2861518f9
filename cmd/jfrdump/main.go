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

// Command jfrdump prints the events of
// flight recordings as newline-delimited JSON.
//
// Usage:
//
//	jfrdump [-config file] [-types a,b] [-summary | -schema] [-parallel n] [-v] file...
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/SnellerInc/jfr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	dashconfig   string
	dashtypes    string
	dashparallel int
	dashsummary  bool
	dashschema   bool
	dashv        bool

	logger = log.New(os.Stderr, "jfrdump: ", 0)
)

func init() {
	flag.StringVar(&dashconfig, "config", "", "YAML or JSON configuration file")
	flag.StringVar(&dashtypes, "types", "", "comma-separated list of event types to print")
	flag.IntVar(&dashparallel, "parallel", 0, "number of chunks to decode in parallel (-summary only)")
	flag.BoolVar(&dashsummary, "summary", false, "print the number of events of each type")
	flag.BoolVar(&dashschema, "schema", false, "print the classes declared in each chunk")
	flag.BoolVar(&dashv, "v", false, "log diagnostics to stderr")
}

func exitf(f string, args ...any) {
	logger.Printf(f, args...)
	os.Exit(1)
}

func config() *jfr.Config {
	conf := new(jfr.Config)
	if dashconfig != "" {
		var err error
		conf, err = jfr.LoadConfig(dashconfig)
		if err != nil {
			exitf("%s", err)
		}
	}
	// flags override the file
	if dashtypes != "" {
		conf.EventTypes = strings.Split(dashtypes, ",")
	}
	if dashparallel > 0 {
		conf.Parallel = dashparallel
	}
	if dashv {
		conf.Verbose = true
	}
	return conf
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		args = []string{"-"}
	}
	conf := config()
	opts := conf.Options(logger)
	o := bufio.NewWriter(os.Stdout)
	for _, arg := range args {
		var r *jfr.Reader
		var err error
		if arg == "-" {
			r, err = jfr.ReadAll(os.Stdin, opts...)
		} else {
			r, err = jfr.OpenFile(arg, opts...)
		}
		if err != nil {
			exitf("can't open %q: %s", arg, err)
		}
		switch {
		case dashschema:
			err = schema(o, r)
		case dashsummary:
			err = summary(o, r, conf)
		default:
			err = dump(o, r, conf)
		}
		r.Close()
		if err != nil {
			o.Flush()
			exitf("input %s: %s", arg, err)
		}
	}
	if err := o.Flush(); err != nil {
		exitf("%s", err)
	}
}

func dump(o io.Writer, r *jfr.Reader, conf *jfr.Config) error {
	it := r.Events()
	for {
		ev, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if !conf.SkipErrors {
				return err
			}
			logger.Printf("skipping: %s", err)
			continue
		}
		if err := ev.WriteJSON(o); err != nil {
			return err
		}
	}
}

func summary(o io.Writer, r *jfr.Reader, conf *jfr.Config) error {
	var lock sync.Mutex
	counts := make(map[string]int)
	err := r.EachChunk(context.Background(), conf.Workers(), func(c *jfr.Chunk) error {
		local := make(map[string]int)
		it := c.Events()
		for {
			ev, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				if !conf.SkipErrors {
					return err
				}
				logger.Printf("chunk %d: skipping: %s", c.Index, err)
				continue
			}
			local[ev.Class.Name]++
		}
		lock.Lock()
		defer lock.Unlock()
		for k, v := range local {
			counts[k] += v
		}
		return nil
	})
	if err != nil {
		return err
	}
	names := maps.Keys(counts)
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(o, "%8d %s\n", counts[name], name)
	}
	return nil
}

func schema(o io.Writer, r *jfr.Reader) error {
	seen := make(map[uint64]bool)
	it := r.Chunks()
	for {
		c, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fp := c.Metadata.Fingerprint()
		if seen[fp] {
			fmt.Fprintf(o, "# chunk %d: same schema as an earlier chunk (%016x)\n", c.Index, fp)
			continue
		}
		seen[fp] = true
		fmt.Fprintf(o, "# chunk %d: version %s, %s, schema %016x\n", c.Index, c.Header.Version, c.Header.StartTime().Format("2006-01-02T15:04:05Z07:00"), fp)
		for _, class := range c.Metadata.Classes() {
			fmt.Fprintf(o, "class %s (id %d)", class.Name, class.ID)
			if class.SuperType != "" {
				fmt.Fprintf(o, " extends %s", class.SuperType)
			}
			if class.Label != "" {
				fmt.Fprintf(o, " %q", class.Label)
			}
			fmt.Fprintln(o)
			for i := range class.Fields {
				f := &class.Fields[i]
				typ := f.Class().Name
				if f.Array {
					typ += "[]"
				}
				if f.ConstantPool {
					typ += " (pool)"
				}
				fmt.Fprintf(o, "\t%s %s\n", f.Name, typ)
			}
		}
	}
}
