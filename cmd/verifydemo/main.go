// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// verifydemo runs an interactive device verification between two in-memory
// devices of the same user, exercising the full protocol over a loopback
// to-device transport.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
	"go.mau.fi/keyverify/verification"
)

var configPath = flag.MakeFull("c", "config", "Path to an optional zeroconfig logging config file.", "").String()
var method = flag.MakeFull("m", "method", "Verification method to demo (sas or qr).", "sas").String()
var qrPath = flag.MakeFull("q", "qr-output", "Where to write the generated QR code PNG in qr mode.", "verifydemo-qr.png").String()
var wantHelp, _ = flag.MakeHelpFlag()

var writerTypeReadline zeroconfig.WriterType = "verifydemo_readline"

var allMethods = []event.VerificationMethod{
	event.VerificationMethodSAS,
	event.VerificationMethodQRCodeShow,
	event.VerificationMethodQRCodeScan,
	event.VerificationMethodReciprocate,
}

// memoryCrypto is a throwaway in-memory key store shared by the demo
// devices: everyone sees the same key directory, trust marks are local.
type memoryCrypto struct {
	own              *verification.Device
	directory        map[id.DeviceID]*verification.Device
	masterKey        id.Ed25519
	ownMasterTrusted bool
}

func (mc *memoryCrypto) OwnDevice(ctx context.Context) (*verification.Device, error) {
	return mc.own, nil
}

func (mc *memoryCrypto) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*verification.Device, error) {
	device, ok := mc.directory[deviceID]
	if !ok || device.UserID != userID {
		return nil, verification.ErrDeviceNotFound
	}
	return device, nil
}

func (mc *memoryCrypto) OwnMasterKey(ctx context.Context) (id.Ed25519, error) {
	return mc.masterKey, nil
}

func (mc *memoryCrypto) MasterKey(ctx context.Context, userID id.UserID) (id.Ed25519, error) {
	return mc.masterKey, nil
}

func (mc *memoryCrypto) IsOwnMasterKeyTrusted(ctx context.Context) (bool, error) {
	return mc.ownMasterTrusted, nil
}

func (mc *memoryCrypto) MarkDeviceVerified(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	zerolog.Ctx(ctx).Info().Stringer("device_id", deviceID).Msg("Marked device as verified")
	return nil
}

func (mc *memoryCrypto) MarkUserVerified(ctx context.Context, userID id.UserID) error {
	zerolog.Ctx(ctx).Info().Stringer("user_id", userID).Msg("Marked user as verified")
	return nil
}

func (mc *memoryCrypto) MarkOwnMasterKeyTrusted(ctx context.Context, verifiedBy id.DeviceID) error {
	mc.ownMasterTrusted = true
	zerolog.Ctx(ctx).Info().Stringer("verified_by", verifiedBy).Msg("Own master key is now trusted")
	return nil
}

func randomKey() id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(random.Bytes(32)))
}

type device struct {
	deviceID id.DeviceID
	crypto   *memoryCrypto
	request  *verification.VerificationRequest

	sasShown  chan []rune
	qrScanned chan struct{}
}

const demoUserID = id.UserID("@demo:example.com")

func loadLogger(rl *readline.Instance) *zerolog.Logger {
	zeroconfig.RegisterWriter(writerTypeReadline, func(config *zeroconfig.WriterConfig) (io.Writer, error) {
		return rl.Stdout(), nil
	})
	cfg := &zeroconfig.Config{
		Writers: []zeroconfig.WriterConfig{{
			Type:   writerTypeReadline,
			Format: zeroconfig.LogFormatPrettyColored,
		}},
	}
	if *configPath != "" {
		raw := exerrors.Must(os.ReadFile(*configPath))
		exerrors.PanicIfNotNil(yaml.Unmarshal(raw, cfg))
	}
	return exerrors.Must(cfg.Compile())
}

func main() {
	flag.SetHelpTitles(
		"verifydemo - interactive device verification between two in-memory devices",
		"verifydemo [-h] [-c <path>] [-m sas|qr] [-q <path>]")
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	rl := exerrors.Must(readline.New("> "))
	defer func() {
		_ = rl.Close()
	}()
	log := loadLogger(rl)
	ctx := log.WithContext(context.Background())

	oldDevice := &verification.Device{UserID: demoUserID, DeviceID: "OLDDEVICE", SigningKey: randomKey()}
	newDevice := &verification.Device{UserID: demoUserID, DeviceID: "NEWDEVICE", SigningKey: randomKey()}
	directory := map[id.DeviceID]*verification.Device{
		oldDevice.DeviceID: oldDevice,
		newDevice.DeviceID: newDevice,
	}
	masterKey := randomKey()

	old := newParty(log, oldDevice, directory, masterKey, true)
	fresh := newParty(log, newDevice, directory, masterKey, false)
	connect(log, old, fresh)

	exerrors.PanicIfNotNil(fresh.request.SendRequest(ctx))
	exerrors.PanicIfNotNil(old.request.Accept(ctx))
	log.Info().
		Stringer("transaction_id", old.request.TransactionID()).
		Any("common_methods", old.request.CommonMethods()).
		Msg("Verification request accepted")

	var err error
	switch *method {
	case "sas":
		err = runSAS(ctx, rl, old, fresh)
	case "qr":
		err = runQR(ctx, rl, old, fresh)
	default:
		log.Fatal().Str("method", *method).Msg("Unknown method, expected sas or qr")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Verification failed")
	}
	log.Info().
		Stringer("old_device_phase", old.request.Phase()).
		Stringer("new_device_phase", fresh.request.Phase()).
		Bool("new_device_trusts_master_key", fresh.crypto.ownMasterTrusted).
		Msg("Verification complete")
}

func newParty(log *zerolog.Logger, own *verification.Device, directory map[id.DeviceID]*verification.Device, masterKey id.Ed25519, trusted bool) *device {
	d := &device{
		deviceID: own.DeviceID,
		crypto: &memoryCrypto{
			own:              own,
			directory:        directory,
			masterKey:        masterKey,
			ownMasterTrusted: trusted,
		},
		sasShown:  make(chan []rune, 1),
		qrScanned: make(chan struct{}, 1),
	}
	return d
}

// connect wires the two devices together over a synchronous loopback
// to-device transport sharing one transaction ID.
func connect(log *zerolog.Logger, a, b *device) {
	txnID := id.NewVerificationTransactionID()
	deliverTo := func(target *device) verification.ToDeviceSendFunc {
		return func(ctx context.Context, to id.UserID, deviceID id.DeviceID, kind event.Kind, raw json.RawMessage) error {
			content, err := event.ParseContent(kind, raw)
			if err != nil {
				return err
			}
			target.request.HandleEvent(ctx, &event.Event{
				Kind:    kind,
				Sender:  demoUserID,
				Content: content,
				Raw:     raw,
			}, true, false, false)
			return nil
		}
	}
	aChannel := verification.NewToDeviceChannel(demoUserID, b.deviceID, txnID, deliverTo(b))
	bChannel := verification.NewToDeviceChannel(demoUserID, a.deviceID, txnID, deliverTo(a))
	for d, channel := range map[*device]*verification.ToDeviceChannel{a: aChannel, b: bChannel} {
		shown, scanned := d.sasShown, d.qrScanned
		d.request = verification.NewVerificationRequest(verification.RequestParams{
			Channel:          channel,
			Crypto:           d.crypto,
			Log:              log,
			UserID:           demoUserID,
			DeviceID:         d.deviceID,
			SupportedMethods: allMethods,
			ShowSAS: func(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, decimals []int) {
				shown <- emojis
			},
			QRCodeScanned: func(ctx context.Context, txnID id.VerificationTransactionID) {
				scanned <- struct{}{}
			},
		})
	}
}

func runSAS(ctx context.Context, rl *readline.Instance, old, fresh *device) error {
	verifier, err := fresh.request.BeginVerification(ctx, event.VerificationMethodSAS, old.deviceID)
	if err != nil {
		return err
	}
	freshSAS := verifier.(*verification.SASVerifier)

	var eg errgroup.Group
	eg.Go(func() error { return freshSAS.Verify(ctx) })
	err = old.request.WaitFor(ctx, func(vr *verification.VerificationRequest) bool {
		return vr.Phase() == verification.PhaseStarted
	})
	if err != nil {
		return err
	}
	oldSAS := old.request.Verifier().(*verification.SASVerifier)
	eg.Go(func() error { return oldSAS.Verify(ctx) })

	<-old.sasShown
	<-fresh.sasShown
	_, _ = fmt.Fprintf(rl.Stdout(), "Old device:  %s  %v\n", string(oldSAS.Emojis()), oldSAS.Decimals())
	_, _ = fmt.Fprintf(rl.Stdout(), "New device:  %s  %v\n", string(freshSAS.Emojis()), freshSAS.Decimals())

	rl.SetPrompt("Do the short authentication strings match? [y/n] ")
	line, err := rl.Readline()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
		oldSAS.Mismatch(ctx)
		return eg.Wait()
	}
	if err = oldSAS.Confirm(ctx); err != nil {
		return err
	}
	if err = freshSAS.Confirm(ctx); err != nil {
		return err
	}
	return eg.Wait()
}

func runQR(ctx context.Context, rl *readline.Instance, old, fresh *device) error {
	qrData := old.request.QRCodeData()
	if qrData == nil {
		return fmt.Errorf("the old device did not generate a QR code")
	}
	if png, err := qrData.Image(512); err == nil {
		if err = os.WriteFile(*qrPath, png, 0o644); err == nil {
			_, _ = fmt.Fprintf(rl.Stdout(), "QR code written to %s\n", *qrPath)
		}
	}

	scanner, err := fresh.request.HandleScannedQRCode(ctx, qrData.Bytes())
	if err != nil {
		return err
	}
	var eg errgroup.Group
	eg.Go(func() error { return scanner.Verify(ctx) })
	err = old.request.WaitFor(ctx, func(vr *verification.VerificationRequest) bool {
		return vr.Phase() == verification.PhaseStarted
	})
	if err != nil {
		return err
	}
	shower := old.request.Verifier().(*verification.ReciprocateVerifier)
	eg.Go(func() error { return shower.Verify(ctx) })

	<-old.qrScanned
	rl.SetPrompt("The new device reports a successful scan. Confirm? [y/n] ")
	line, err := rl.Readline()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
		return old.request.Cancel(ctx, event.CancelCodeUser, "")
	}
	if err = shower.ConfirmScanned(ctx); err != nil {
		return err
	}
	return eg.Wait()
}
