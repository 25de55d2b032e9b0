// Command sdoserver runs a standalone CANopen SDO server node.
// It loads an object dictionary from an EDS file (or uses the embedded
// base dictionary), binds a CAN bus driver and processes SDO requests
// until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	canopen "github.com/open-can/sdoserver"
	_ "github.com/open-can/sdoserver/pkg/can/socketcan"
	_ "github.com/open-can/sdoserver/pkg/can/virtual"
	"github.com/open-can/sdoserver/pkg/nmt"
	"github.com/open-can/sdoserver/pkg/od"
	"github.com/open-can/sdoserver/pkg/sdo"
)

var (
	busInterface = flag.String("interface", "socketcan", "bus interface type (socketcan, virtual)")
	channel      = flag.String("channel", "can0", "CAN channel e.g. can0")
	edsPath      = flag.String("eds", "", "optional EDS file for the object dictionary")
	nodeId       = flag.Uint("id", 0x10, "node id of the SDO server (1..127)")
	timeoutMs    = flag.Uint("timeout", sdo.DefaultServerTimeoutMs, "SDO timeout in ms")
	verbose      = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var odict *od.ObjectDictionary
	var err error
	if *edsPath != "" {
		odict, err = od.ParseEDSFromFile(*edsPath, uint8(*nodeId))
		if err != nil {
			log.Fatalf("failed to parse EDS %v : %v", *edsPath, err)
		}
	} else {
		odict = od.Default()
		// A couple of demo entries in the manufacturer specific area
		odict.AddVariableType(0x2100, "Demo byte", od.UNSIGNED8, od.AttributeSdoRw, "0x00")
		odict.AddVariableType(0x2101, "Demo word", od.UNSIGNED16, od.AttributeSdoRw, "0x1234")
		odict.AddVariableType(0x2102, "Demo name", od.VISIBLE_STRING, od.AttributeSdoRw, "sdoserver")
	}

	bus, err := canopen.NewBus(*busInterface, *channel)
	if err != nil {
		log.Fatalf("failed to create bus : %v", err)
	}
	bm := canopen.NewBusManager(bus)
	if err := bus.Connect(); err != nil {
		log.Fatalf("failed to connect to %v : %v", *channel, err)
	}
	defer bus.Disconnect()

	server, err := sdo.NewSDOServer(bm, odict, uint8(*nodeId), uint32(*timeoutMs), odict.Index(0x1200), nil)
	if err != nil {
		log.Fatalf("failed to create SDO server : %v", err)
	}
	server.SetNMTState(nmt.StateOperational)
	log.Infof("SDO server running, node id x%x on %v (%v)", *nodeId, *channel, *busInterface)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	server.Run(ctx)
}
