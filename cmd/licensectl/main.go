// licensectl is the operator and client companion for the license server.
//
// The trial, activate and check subcommands call the server's HTTP API. The
// sync subcommand runs the client-side login reconciliation directly against
// the key-value backend, the way the POS app does on startup.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"noxlic/internal/kv"
	"noxlic/internal/license"
	"noxlic/internal/licensesync"
)

const usage = `usage: licensectl <command> [flags]

commands:
  trial     request a trial license for a device
  activate  activate a license code on a device
  check     validate a held session token
  sync      run the client-side login sync against the backend
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "trial":
		err = runTrial(os.Args[2:])
	case "activate":
		err = runActivate(os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "sync":
		err = runSync(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "licensectl:", err)
		os.Exit(1)
	}
}

type deviceFlags struct {
	deviceID string
	platform string
	model    string
	brand    string
}

func addDeviceFlags(fs *flag.FlagSet) *deviceFlags {
	d := &deviceFlags{}
	fs.StringVar(&d.deviceID, "device-id", "", "device identifier (required)")
	fs.StringVar(&d.platform, "platform", "windows", "device platform: android|windows|ios|web")
	fs.StringVar(&d.model, "model", "", "device model")
	fs.StringVar(&d.brand, "brand", "", "device brand")
	return d
}

func (d *deviceFlags) profile() license.DeviceProfile {
	return license.DeviceProfile{
		DeviceID: d.deviceID,
		Platform: d.platform,
		Model:    d.model,
		Brand:    d.brand,
	}
}

type accountFlags struct {
	accountID  string
	outletName string
	ownerName  string
	ownerEmail string
	ownerPhone string
}

func addAccountFlags(fs *flag.FlagSet) *accountFlags {
	a := &accountFlags{}
	fs.StringVar(&a.accountID, "account-id", "", "account identifier (required)")
	fs.StringVar(&a.outletName, "outlet", "", "outlet name (required)")
	fs.StringVar(&a.ownerName, "owner", "", "owner name")
	fs.StringVar(&a.ownerEmail, "email", "", "owner email")
	fs.StringVar(&a.ownerPhone, "phone", "", "owner phone")
	return a
}

func (a *accountFlags) profile() license.AccountProfile {
	return license.AccountProfile{
		AccountID:  a.accountID,
		OutletName: a.outletName,
		OwnerName:  a.ownerName,
		OwnerEmail: a.ownerEmail,
		OwnerPhone: a.ownerPhone,
		Staff:      []license.StaffProfile{},
	}
}

func runTrial(args []string) error {
	fs := flag.NewFlagSet("trial", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8090", "license server base URL")
	device := addDeviceFlags(fs)
	account := addAccountFlags(fs)
	fs.Parse(args)

	if device.deviceID == "" || account.accountID == "" || account.outletName == "" {
		return fmt.Errorf("device-id, account-id and outlet are required")
	}

	body := map[string]interface{}{
		"device":  device.profile(),
		"account": account.profile(),
	}
	return post(*server+"/api/license/trial", body)
}

func runActivate(args []string) error {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8090", "license server base URL")
	code := fs.String("code", "", "license code (required)")
	device := addDeviceFlags(fs)
	account := addAccountFlags(fs)
	fs.Parse(args)

	if *code == "" || device.deviceID == "" || account.accountID == "" || account.outletName == "" {
		return fmt.Errorf("code, device-id, account-id and outlet are required")
	}

	body := map[string]interface{}{
		"code":    *code,
		"device":  device.profile(),
		"account": account.profile(),
	}
	return post(*server+"/api/license/activate", body)
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8090", "license server base URL")
	code := fs.String("code", "", "license code (required)")
	deviceID := fs.String("device-id", "", "device identifier (required)")
	token := fs.String("token", "", "session token (required)")
	fs.Parse(args)

	if *code == "" || *deviceID == "" || *token == "" {
		return fmt.Errorf("code, device-id and token are required")
	}

	body := map[string]string{
		"code":     *code,
		"deviceId": *deviceID,
		"token":    *token,
	}
	return post(*server+"/api/license/check", body)
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	redisURL := fs.String("redis", "redis://localhost:6379", "license backend URL")
	device := addDeviceFlags(fs)
	account := addAccountFlags(fs)
	fs.Parse(args)

	if device.deviceID == "" || account.accountID == "" {
		return fmt.Errorf("device-id and account-id are required")
	}

	client, err := kv.Connect(context.Background(), *redisURL)
	if err != nil {
		return err
	}
	backend := kv.NewRedisStore(client)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	syncer := licensesync.NewSyncer(backend, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res := syncer.Sync(ctx, licensesync.Payload{
		DeviceID:   device.deviceID,
		AccountID:  account.accountID,
		OutletName: account.outletName,
		OwnerName:  account.ownerName,
		OwnerPhone: account.ownerPhone,
		OwnerEmail: account.ownerEmail,
		Staff:      []license.StaffProfile{},
	})
	if res == nil {
		fmt.Println("sync failed; the app would continue on cached license status")
		return nil
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	return nil
}

// post sends the JSON body and pretty-prints the response.
func post(url string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
