// Command tsc is a CLI for the textsecure-go client.
//
// Usage:
//
//	tsc send <recipient> <message>   Send a text message
//	tsc devices <recipient>          List known devices for a recipient
//	tsc safety-number <recipient>    Show the conversation fingerprint
//	tsc reset-identity <recipient>   Forget a recipient's identity and sessions
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"

	flags "github.com/jessevdk/go-flags"

	client "github.com/gwillem/textsecure-go"
)

type globalOpts struct {
	DB       string `long:"db" description:"Path to database file"`
	API      string `long:"api" description:"Server API base URL"`
	ACI      string `long:"aci" env:"TSC_ACI" description:"Account identifier (UUID)"`
	DeviceID int    `long:"device" env:"TSC_DEVICE" default:"1" description:"Local device id"`
	Password string `long:"password" env:"TSC_PASSWORD" description:"Account password"`
	Verbose  bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Send          sendCommand          `command:"send" description:"Send a text message"`
	Devices       devicesCommand       `command:"devices" description:"List known devices for a recipient"`
	SafetyNumber  safetyNumberCommand  `command:"safety-number" description:"Show the conversation fingerprint"`
	ResetIdentity resetIdentityCommand `command:"reset-identity" description:"Forget a recipient's identity and sessions"`
	CloseSession  closeSessionCommand  `command:"close-session" description:"End all sessions with a recipient"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func newClient() (*client.Client, error) {
	copts := []client.Option{
		client.WithCredentials(opts.ACI, opts.DeviceID, opts.Password),
	}
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.API != "" {
		copts = append(copts, client.WithAPIURL(opts.API))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "tsc: ", log.LstdFlags)))
	}
	return client.NewClient(copts...)
}

type sendCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true" description:"Recipient ACI UUID"`
		Message   string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.SendTextMessage(ctx, cmd.Args.Message, cmd.Args.Recipient)
	if err != nil {
		return err
	}
	for _, f := range res.Failed {
		var tv *client.TrustViolationFailure
		if errors.As(f.Err, &tv) {
			fmt.Fprintf(os.Stderr, "Identity key for %s changed. Verify the new safety number,\n", f.Recipient)
			fmt.Fprintf(os.Stderr, "then re-trust with: tsc reset-identity %s\n", f.Recipient)
			continue
		}
		fmt.Fprintf(os.Stderr, "Failed for %s: %s\n", f.Recipient, f.Reason)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d recipients failed", len(res.Failed), len(res.Failed)+len(res.Succeeded))
	}
	fmt.Println("Sent.")
	return nil
}

type devicesCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *devicesCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	devices, err := c.Devices(cmd.Args.Recipient)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices on record. Send a message first.")
		return nil
	}
	for _, d := range devices {
		relay := d.Relay
		if relay == "" {
			relay = "-"
		}
		fmt.Printf("device %d  registration %d  relay %s\n", d.DeviceID, d.RegistrationID, relay)
	}
	return nil
}

type safetyNumberCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *safetyNumberCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	sn, err := c.SafetyNumber(cmd.Args.Recipient)
	if err != nil {
		return err
	}
	fmt.Println(sn)
	return nil
}

type resetIdentityCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *resetIdentityCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ResetIdentity(cmd.Args.Recipient); err != nil {
		return err
	}
	fmt.Println("Identity, devices and sessions forgotten.")
	return nil
}

type closeSessionCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *closeSessionCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.CloseSession(ctx, cmd.Args.Recipient); err != nil {
		return err
	}
	fmt.Println("Sessions closed.")
	return nil
}
