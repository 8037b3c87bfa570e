package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tapdisk/nbdclient"
)

var DEFAULT_TARGET = "127.0.0.1:10809"
var DEFAULT_EXPORT = ""

func main() {
	log.SetLevel(log.InfoLevel)

	target := flag.String("t", DEFAULT_TARGET, "NBD target: unix socket path, <ipv4>:<port>, or fd-receiver id")
	export := flag.String("e", DEFAULT_EXPORT, "export name for new-style negotiation")
	configPath := flag.String("c", "", "optional .ini config file path")
	secondary := flag.Bool("s", false, "open in secondary mode (reads forwarded, not sent over NBD)")
	doRead := flag.Bool("read", false, "issue a single test read and print the result")
	readSector := flag.Uint64("sector", 0, "sector to read with -read")
	readCount := flag.Uint("count", 1, "sector count for -read")
	flag.Parse()

	cfg := nbdclient.DefaultConfig()
	if *configPath != "" {
		loaded, err := nbdclient.LoadINI(*configPath)
		if err != nil {
			fmt.Printf("error loading config %v: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *export != "" {
		cfg.ExportName = *export
	}

	sched, err := nbdclient.NewPollScheduler()
	if err != nil {
		fmt.Printf("could not create scheduler: %v\n", err)
		os.Exit(1)
	}
	defer sched.Close()

	conn := nbdclient.NewConnection(sched, cfg)

	flags := nbdclient.OpenFlags(0)
	if *secondary {
		flags = nbdclient.OpenSecondary
	}
	if err := conn.Open(*target, flags); err != nil {
		fmt.Printf("could not open %v: %v\n", *target, err)
		os.Exit(1)
	}
	log.Infof("connected to %v: %d sectors of %d bytes", *target, conn.SizeSectors(), conn.SectorSize())

	// Connection is single-owner (see its doc comment): every call that
	// touches it must come from the same goroutine that drives the
	// scheduler. Open and this QueueRead run here, before that goroutine
	// is started, so they cannot race with a callback; after that only
	// the writer/reader callbacks touch the connection, on the reactor
	// goroutine (the read's Complete, which closes stop, runs there too),
	// and Close below only runs after we've confirmed (via runDone) that
	// goroutine has exited.
	stop := make(chan struct{})
	buf := make([]byte, *readCount*nbdclient.DefaultSectorSize)

	if *doRead {
		req := nbdclient.Request{
			Sector: *readSector,
			Count:  uint32(*readCount),
			Buffer: buf,
			Complete: func(err error) {
				if err != nil {
					fmt.Printf("read failed: %v\n", err)
				} else {
					fmt.Printf("read %d bytes from sector %d\n", len(buf), *readSector)
				}
				close(stop)
			},
		}
		if err := conn.QueueRead(req); err != nil {
			fmt.Printf("queue read failed: %v\n", err)
			close(stop)
		}
	} else {
		close(stop)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- sched.Run(stop)
	}()

	select {
	case err := <-runDone:
		if err != nil {
			log.Errorf("scheduler stopped: %v", err)
		}
	case <-time.After(10 * time.Second):
		fmt.Println("read timed out waiting for reply")
		close(stop)
		<-runDone
	}

	if err := conn.Close(); err != nil {
		fmt.Printf("close failed: %v\n", err)
	}
}
