/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/funkpopo/simpleshell-engine/lib/backpressure"
	"github.com/funkpopo/simpleshell-engine/lib/mempool"
	"github.com/funkpopo/simpleshell-engine/lib/sftptransfer"
)

// runTransferCLI drives a single local-filesystem SFTP-engine transfer
// from the command line, printing a progress bar to stderr the way an
// interactive terminal tool conventionally does — useful for
// exercising the chunked transfer/backpressure machinery without a UI
// transport attached. Invoked as:
//
//	simpleshelld transfer -src <path> -dst <path>
func runTransferCLI(args []string) error {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	src := fs.String("src", "", "Source file path")
	dst := fs.String("dst", "", "Destination file path")
	if err := fs.Parse(args); err != nil {
		return trace.Wrap(err)
	}
	if *src == "" || *dst == "" {
		return trace.BadParameter("transfer: -src and -dst are required")
	}

	pool, err := mempool.New(mempool.Config{})
	if err != nil {
		return trace.Wrap(err)
	}
	bp, err := backpressure.New(backpressure.Config{})
	if err != nil {
		return trace.Wrap(err)
	}

	var bar *progressbar.ProgressBar
	quiet := !term.IsTerminal(int(os.Stderr.Fd()))

	mgr, err := sftptransfer.New(sftptransfer.Config{
		Pool:         pool,
		Backpressure: bp,
		OnEvent: func(channel string, record sftptransfer.Snapshot, progress *sftptransfer.ProgressEvent) {
			if quiet || progress == nil || bar == nil {
				return
			}
			bar.Set64(progress.BytesTransferred)
		},
		Log: log.WithField("component", "transfer-cli"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	localFS := sftptransfer.NewLocalFS()
	ctx := context.Background()

	info, err := localFS.Stat(ctx, *src)
	if err != nil {
		return trace.Wrap(err)
	}
	if !quiet {
		bar = progressbar.DefaultBytes(info.Size(), fmt.Sprintf("copying %s", *src))
	}

	record, err := mgr.Enqueue(ctx, sftptransfer.TypeUpload, *src, *dst, localFS, localFS, true, "")
	if err != nil {
		return trace.Wrap(err)
	}

	for {
		snap := record.Snapshot()
		switch snap.State {
		case sftptransfer.StateCompleted:
			if !quiet {
				bar.Finish()
			}
			fmt.Fprintf(os.Stderr, "done: %s transferred\n", humanize.Bytes(uint64(snap.TotalBytes)))
			return nil
		case sftptransfer.StateFailed, sftptransfer.StateCancelled:
			return trace.Errorf("transfer %s: %s", snap.State, snap.Errors)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
