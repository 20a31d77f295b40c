// Command etxota-device is the device-side daemon: it runs Pre-Bootloader
// Promotion once at startup (spec §4.7), then drives the Device-Side
// Receiver State Machine (spec §4.5) over a serial transport, publishing
// transaction telemetry to Redis through pkg/eventbus (spec §4.8). It
// plays the same role cmd/bluetooth-service/main.go played for the
// teacher's BLE vehicle-telemetry bridge: flag-configured serial+Redis
// wiring, a background receive loop, and signal-driven shutdown — here
// generalized from USOCK vehicle telemetry to ETX OTA firmware transfer.
//
// Real firmware backs pkg/flashsim's Memory with actual flash-controller
// registers; this binary uses the in-memory simulator so the full
// Start->Header->Data->End->Idle path and pre-bootloader promotion can
// run end-to-end on a developer machine against a real serial peer (e.g.
// cmd/etxota-host) without target hardware.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mortrack/etxota/pkg/etxota"
	"github.com/mortrack/etxota/pkg/eventbus"
	"github.com/mortrack/etxota/pkg/flashsim"
	"github.com/mortrack/etxota/pkg/fucs"
	"github.com/mortrack/etxota/pkg/preboot"
	"github.com/mortrack/etxota/pkg/receiver"
	"github.com/mortrack/etxota/pkg/transport"
)

// Configuration flags, in the same package-level flag.String/flag.Int
// style as cmd/bluetooth-service/main.go.
var (
	serialDevice = flag.String("serial", "/dev/ttymxc1", "serial device path")
	baudRate     = flag.Int("baud", 115200, "serial baud rate")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")

	// Flash geometry flags (spec §6 FLASH_PAGE_SIZE_IN_BYTES /
	// ETX_BL_PAGE_SIZE / ETX_APP_PAGE_SIZE), defaulting to the spec's
	// worked example: 1 KiB pages, 34 BL pages, 86 App pages.
	pageSize   = flag.Int("page-size", 1024, "flash page size in bytes")
	blPages    = flag.Int("bl-pages", 34, "number of bootloader-slot flash pages")
	appPages   = flag.Int("app-pages", 86, "number of application-slot flash pages")
	fucsPages  = flag.Int("fucs-pages", 4, "number of flash pages per FUCS page (each FUCS page is this many physical pages)")
	customSize = flag.Int("custom-data-max-size", fucs.DefaultCustomDataMaxSize, "CUSTOM_DATA_MAX_SIZE in bytes (spec §6)")

	bootloaderRole = flag.Bool("bootloader", false, "run as the device's bootloader-role receiver (spec §8 scenario 4): accepts BootloaderFirmware headers instead of rejecting them unconditionally")
	acceptCustom   = flag.Bool("accept-custom-data", true, "register a custom-data handler so CustomData headers are accepted into an application-level buffer instead of reporting NotApplicable (spec §4.5, §8 scenario 6)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting ETX OTA device daemon")
	log.Printf("Serial device: %s, baud: %d", *serialDevice, *baudRate)

	bus, err := eventbus.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer bus.Close()
	log.Printf("Connected to Redis at %s", *redisAddr)

	blMem := flashsim.NewMemory(0x08000000, *pageSize, *blPages)
	appMem := flashsim.NewMemory(0x08000000+uint32(*blPages)*uint32(*pageSize), *pageSize, *appPages)
	fucsBase := appMem.Base() + uint32(appMem.Size())
	fucsPageA := flashsim.NewMemory(fucsBase, *pageSize, *fucsPages)
	fucsPageB := flashsim.NewMemory(fucsBase+uint32(*fucsPages)*uint32(*pageSize), *pageSize, *fucsPages)

	store, err := fucs.NewStore(fucsPageA, fucsPageB, *customSize)
	if err != nil {
		log.Fatalf("failed to initialize FUCS geometry: %v", err)
	}

	// Pre-Bootloader Promotion (spec §4.7): decide, once at boot,
	// whether a staged bootloader image needs copying into the BL slot
	// before the receiver loop (standing in for "entering the
	// bootloader") starts.
	outcome, err := preboot.Run(store, appMem, blMem, nil, time.Sleep, log.Default())
	if err != nil {
		log.Printf("pre-bootloader promotion: %v (continuing without promotion)", err)
	} else {
		log.Printf("pre-bootloader promotion outcome: %s", outcome)
	}

	port, err := transport.OpenSerial(transport.SerialConfig{Device: *serialDevice, BaudRate: *baudRate})
	if err != nil {
		log.Fatalf("failed to open serial device %s: %v", *serialDevice, err)
	}
	defer port.Close()
	log.Printf("Opened serial transport on %s", *serialDevice)

	pre, post := bus.Hooks(log.Printf)
	geometry := etxota.SlotGeometry{
		AppBase:     appMem.Base(),
		AppSize:     uint32(appMem.Size()),
		AppPageSize: appMem.PageSize(),
		BLBase:      blMem.Base(),
		BLSize:      uint32(blMem.Size()),
		BLPageSize:  blMem.PageSize(),
	}
	role := receiver.RoleApplication
	if *bootloaderRole {
		role = receiver.RoleBootloader
	}
	log.Printf("Receiver role: %s", role)

	recv := receiver.New(port, appMem, store, receiver.Config{
		Geometry: geometry,
		Timeout:  transport.DefaultTimeout,
		Logger:   log.Default(),
		Role:     role,
	}, receiver.Hooks{
		PreTransaction: pre,
		PostTransaction: func(status etxota.Status, customData []byte) {
			post(status, customData)
			if status == etxota.NotApplicable {
				log.Printf("received NotApplicable request; application layer would soft-reset here (spec §4.8)")
			}
			if len(customData) > 0 {
				log.Printf("accepted %d bytes of custom data into the application-level buffer", len(customData))
			}
		},
		CustomDataHandler: func() bool { return *acceptCustom },
		SoftReset: func() {
			log.Printf("soft reset requested: bootloader-image update rejected by application firmware (spec §4.5/§4.8)")
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- recv.Run() }()
	log.Printf("Receiver state machine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down", sig)
		recv.Stop()
	case err := <-errCh:
		if err != nil {
			log.Printf("receiver loop exited with error: %v", err)
		}
	}
}
