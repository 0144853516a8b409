package cmd

import (
	"fmt"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
	"github.com/spf13/cobra"
)

var injectOpts struct {
	device    uint16
	source    uint16
	window    uint32
	detail    uint32
	modifiers uint32
	x, y      int16
}

var injectCmd = &cobra.Command{
	Use:   "inject <event-type>",
	Short: "Send one synthetic hardware event to the running server",
	Long: `Send one synthetic hardware event to the running server, e.g.

  xigrab inject ButtonPress --device 2 --window 0x200001 --detail 1

The event is routed exactly like real device input. A zero window means the
root window.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, ok := protocol.ParseEventType(args[0])
		if !ok {
			return fmt.Errorf("unknown event type %q", args[0])
		}

		client, err := newIPCClient()
		if err != nil {
			return err
		}
		conn, err := client.Dial("inject")
		if err != nil {
			return err
		}
		defer conn.Close()

		ev, err := conn.Inject(protocol.Event{
			Type:      typ,
			Device:    protocol.DeviceID(injectOpts.device),
			Source:    protocol.DeviceID(injectOpts.source),
			Window:    xproto.Window(injectOpts.window),
			Detail:    protocol.Detail(injectOpts.detail),
			Modifiers: protocol.Modifiers(injectOpts.modifiers),
			RootX:     injectOpts.x,
			RootY:     injectOpts.y,
		})
		if err != nil {
			return fmt.Errorf("inject failed: %w", err)
		}
		logger.Infof("Injected %s", ev)
		return nil
	},
}

func init() {
	f := injectCmd.Flags()
	f.Uint16VarP(&injectOpts.device, "device", "d", 2, "Device id")
	f.Uint16Var(&injectOpts.source, "source", 0, "Source (slave) device id, 0 for the device itself")
	f.Uint32VarP(&injectOpts.window, "window", "w", 0, "Event window")
	f.Uint32Var(&injectOpts.detail, "detail", 0, "Button, key or touch id")
	f.Uint32Var(&injectOpts.modifiers, "modifiers", 0, "Modifier state")
	f.Int16Var(&injectOpts.x, "x", 0, "Root x")
	f.Int16Var(&injectOpts.y, "y", 0, "Root y")
}
