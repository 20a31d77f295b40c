// Command etxota-host is the Host-Side Sender's CLI wrapper (spec §6
// "Host CLI"): it opens a serial transport, frames a payload file (or a
// synthesized custom-data payload) per the requested payload type, and
// drives one ETX OTA transaction via pkg/sender, exiting with the
// resulting ETX_OTA_Status as its process exit code — the same
// status-as-exit-code convention the original PcTool_App/PcTool/main.c
// uses.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mortrack/etxota/pkg/etxota"
	"github.com/mortrack/etxota/pkg/frame"
	"github.com/mortrack/etxota/pkg/hostlog"
	"github.com/mortrack/etxota/pkg/sender"
	"github.com/mortrack/etxota/pkg/transport"
)

// Configuration flags, matching cmd/bluetooth-service/main.go's
// package-level flag.String/flag.Int style.
var (
	baudRate   = flag.Int("baud", 115200, "serial baud rate")
	verbose    = flag.Bool("verbose", false, "enable ETX_OTA_VERBOSE debug logging (spec §6)")
	sendDelay  = flag.Duration("send-delay", time.Millisecond, "delay between bytes sent on the wire (spec §4.6 SEND_PACKET_BYTES_DELAY)")
	pollDelay  = flag.Duration("poll-delay", 500*time.Millisecond, "delay between response polls (spec §4.6 TEUNIZ_LIB_POLL_COMPORT_DELAY)")
	retryDelay = flag.Duration("retry-delay", 9*time.Second, "delay before the one-shot whole-transaction retry (spec §4.6 TRY_AGAIN_SENDING_FWI_DELAY)")
	cborCustom = flag.Bool("cbor-custom-data", false, "for payload-type=2 (CustomData), synthesize a cbor-encoded status record instead of reading the payload file")
)

// customDataSynthSize is used when the payload file is empty and no
// -cbor-custom-data flag is given: the original PcTool's deterministic
// fallback custom-data payload, a repeating 0..255 byte ramp.
const customDataSynthSize = 2048

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	args := flag.Args()
	if len(args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <comport> <payload-file> <payload-type 0=App|1=Bootloader|2=CustomData>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(int(etxota.Error))
	}

	comport := args[0]
	payloadPath := args[1]
	payloadTypeArg, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid payload-type %q: %v\n", args[2], err)
		os.Exit(int(etxota.Error))
	}
	payloadType := frame.PayloadType(payloadTypeArg)

	logger := hostlog.New(nil, *verbose)

	payload, err := loadPayload(payloadPath, payloadType)
	if err != nil {
		logger.Errorf("failed to prepare payload: %v", err)
		os.Exit(int(etxota.Error))
	}
	logger.Infof("prepared %d-byte %s payload from %s", len(payload), payloadType, payloadPath)

	open := func() (transport.Adapter, error) {
		logger.Debugf("opening serial port %s at %d baud", comport, *baudRate)
		return transport.OpenSerial(transport.SerialConfig{Device: comport, BaudRate: *baudRate})
	}

	s, err := sender.New(open, sender.Config{
		SendByteDelay: *sendDelay,
		PollDelay:     *pollDelay,
		TryAgainDelay: *retryDelay,
		Logger:        log.Default(),
	})
	if err != nil {
		logger.Errorf("failed to open %s: %v", comport, err)
		os.Exit(int(etxota.Error))
	}
	defer s.Close()

	logger.Infof("starting ETX OTA transaction: %s, %d bytes", payloadType, len(payload))
	status, err := s.SendUpdate(payload, payloadType)
	if err != nil {
		logger.Warningf("transaction step failed: %v", err)
	}
	if status == etxota.Ok {
		logger.Donef("transaction completed: %s", status)
	} else {
		logger.Errorf("transaction ended: %s", status)
	}
	os.Exit(int(status))
}

// loadPayload reads payloadPath, or for CustomData synthesizes a
// deterministic payload when the file is empty or -cbor-custom-data is
// set (spec §9 "Custom data synthesis").
func loadPayload(path string, payloadType frame.PayloadType) ([]byte, error) {
	if payloadType == frame.PayloadCustomData && *cborCustom {
		return cbor.Marshal(customDataRecord{
			Status:    "custom-data",
			Timestamp: customDataSynthSize,
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if payloadType == frame.PayloadCustomData {
			return synthesizeCustomData(customDataSynthSize), nil
		}
		return nil, err
	}
	if len(data) == 0 && payloadType == frame.PayloadCustomData {
		return synthesizeCustomData(customDataSynthSize), nil
	}
	return data, nil
}

// customDataRecord is a small application-layer record the host can ride
// on top of the raw framed ETX OTA transport via -cbor-custom-data,
// mirroring the teacher's own use of cbor as an application-layer
// encoding (pkg/service/helpers.go's writeUARTMessage) rather than as the
// wire envelope itself (spec §3's frame is fixed-field binary).
type customDataRecord struct {
	Status    string `cbor:"status"`
	Timestamp int    `cbor:"size_hint"`
}

// synthesizeCustomData returns n bytes of {0,1,...,255,0,1,...}, the
// original PcTool's deterministic custom-data fallback payload.
func synthesizeCustomData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}
