// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeCosignerXPub        tlv.Type = 0
	typeCosignerFingerprint tlv.Type = 1
	typeCosignerPath        tlv.Type = 2

	typeKeysetID       tlv.Type = 0
	typeKeysetApp      tlv.Type = 1
	typeKeysetHardware tlv.Type = 2
	typeKeysetServer   tlv.Type = 3
	typeKeysetNetwork  tlv.Type = 4

	typeBundleAuthKey  tlv.Type = 0
	typeBundleSpending tlv.Type = 1
)

// networks lists the networks a keyset may be decoded for.
var networks = []*chaincfg.Params{
	&chaincfg.MainNetParams,
	&chaincfg.TestNet3Params,
	&chaincfg.RegressionNetParams,
	&chaincfg.SimNetParams,
	&chaincfg.SigNetParams,
}

// NetworkByName returns the chain params with the given name.
func NetworkByName(name string) (*chaincfg.Params, error) {
	for _, net := range networks {
		if net.Name == name {
			return net, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}

// encodePath serializes a BIP32 path as big-endian uint32s.
func encodePath(path []uint32) []byte {
	b := make([]byte, 4*len(path))
	for i, p := range path {
		binary.BigEndian.PutUint32(b[4*i:], p)
	}

	return b
}

// decodePath is the inverse of encodePath.
func decodePath(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid path length %d", len(b))
	}

	path := make([]uint32, len(b)/4)
	for i := range path {
		path[i] = binary.BigEndian.Uint32(b[4*i:])
	}

	return path, nil
}

// encodeCosigner serializes a cosigner key as a TLV stream.
func encodeCosigner(c CosignerKey) ([]byte, error) {
	if c.XPub == nil {
		return nil, fmt.Errorf("missing xpub")
	}

	xpub := []byte(c.XPub.String())
	fingerprint := c.MasterFingerprint
	path := encodePath(c.Path)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCosignerXPub, &xpub),
		tlv.MakePrimitiveRecord(typeCosignerFingerprint, &fingerprint),
		tlv.MakePrimitiveRecord(typeCosignerPath, &path),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeCosigner is the inverse of encodeCosigner.
func decodeCosigner(blob []byte) (CosignerKey, error) {
	var (
		xpub        []byte
		fingerprint uint32
		path        []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCosignerXPub, &xpub),
		tlv.MakePrimitiveRecord(typeCosignerFingerprint, &fingerprint),
		tlv.MakePrimitiveRecord(typeCosignerPath, &path),
	)
	if err != nil {
		return CosignerKey{}, err
	}

	if err := stream.Decode(bytes.NewReader(blob)); err != nil {
		return CosignerKey{}, err
	}

	key, err := hdkeychain.NewKeyFromString(string(xpub))
	if err != nil {
		return CosignerKey{}, fmt.Errorf("parse xpub: %w", err)
	}

	decodedPath, err := decodePath(path)
	if err != nil {
		return CosignerKey{}, err
	}

	return CosignerKey{
		XPub:              key,
		MasterFingerprint: fingerprint,
		Path:              decodedPath,
	}, nil
}

// Encode writes the keyset as a TLV stream.
func (k *Keyset) Encode(w io.Writer) error {
	id := []byte(k.ID)
	network := []byte(k.Network.Name)

	app, err := encodeCosigner(k.App)
	if err != nil {
		return fmt.Errorf("app key: %w", err)
	}

	hardware, err := encodeCosigner(k.Hardware)
	if err != nil {
		return fmt.Errorf("hardware key: %w", err)
	}

	server, err := encodeCosigner(k.Server)
	if err != nil {
		return fmt.Errorf("server key: %w", err)
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeKeysetID, &id),
		tlv.MakePrimitiveRecord(typeKeysetApp, &app),
		tlv.MakePrimitiveRecord(typeKeysetHardware, &hardware),
		tlv.MakePrimitiveRecord(typeKeysetServer, &server),
		tlv.MakePrimitiveRecord(typeKeysetNetwork, &network),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeKeyset reads a keyset written by Encode.
func DecodeKeyset(r io.Reader) (*Keyset, error) {
	var id, app, hardware, server, network []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeKeysetID, &id),
		tlv.MakePrimitiveRecord(typeKeysetApp, &app),
		tlv.MakePrimitiveRecord(typeKeysetHardware, &hardware),
		tlv.MakePrimitiveRecord(typeKeysetServer, &server),
		tlv.MakePrimitiveRecord(typeKeysetNetwork, &network),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	net, err := NetworkByName(string(network))
	if err != nil {
		return nil, err
	}

	k := &Keyset{ID: string(id), Network: net}
	if k.App, err = decodeCosigner(app); err != nil {
		return nil, fmt.Errorf("app key: %w", err)
	}

	if k.Hardware, err = decodeCosigner(hardware); err != nil {
		return nil, fmt.Errorf("hardware key: %w", err)
	}

	if k.Server, err = decodeCosigner(server); err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}

	return k, nil
}

// KeysetBytes serializes a keyset.
func KeysetBytes(k *Keyset) ([]byte, error) {
	var b bytes.Buffer
	if err := k.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// KeysetFromBytes deserializes a keyset.
func KeysetFromBytes(b []byte) (*Keyset, error) {
	return DecodeKeyset(bytes.NewReader(b))
}

// encodeBundle serializes an auth key and spending key pair.
func encodeBundle(authKey *btcec.PublicKey, spending CosignerKey) ([]byte,
	error) {

	if authKey == nil {
		return nil, fmt.Errorf("missing auth key")
	}

	var auth [33]byte
	copy(auth[:], authKey.SerializeCompressed())

	blob, err := encodeCosigner(spending)
	if err != nil {
		return nil, err
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBundleAuthKey, &auth),
		tlv.MakePrimitiveRecord(typeBundleSpending, &blob),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeBundle is the inverse of encodeBundle.
func decodeBundle(b []byte) (*btcec.PublicKey, CosignerKey, error) {
	var (
		auth [33]byte
		blob []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBundleAuthKey, &auth),
		tlv.MakePrimitiveRecord(typeBundleSpending, &blob),
	)
	if err != nil {
		return nil, CosignerKey{}, err
	}

	if err := stream.Decode(bytes.NewReader(b)); err != nil {
		return nil, CosignerKey{}, err
	}

	authKey, err := btcec.ParsePubKey(auth[:])
	if err != nil {
		return nil, CosignerKey{}, fmt.Errorf("auth key: %w", err)
	}

	spending, err := decodeCosigner(blob)
	if err != nil {
		return nil, CosignerKey{}, err
	}

	return authKey, spending, nil
}

// Bytes serializes the app bundle.
func (b *AppKeyBundle) Bytes() ([]byte, error) {
	return encodeBundle(b.AuthKey, b.Spending)
}

// AppKeyBundleFromBytes deserializes an app bundle.
func AppKeyBundleFromBytes(b []byte) (*AppKeyBundle, error) {
	auth, spending, err := decodeBundle(b)
	if err != nil {
		return nil, err
	}

	return &AppKeyBundle{AuthKey: auth, Spending: spending}, nil
}

// Bytes serializes the hardware bundle.
func (b *HardwareKeyBundle) Bytes() ([]byte, error) {
	return encodeBundle(b.AuthKey, b.Spending)
}

// HardwareKeyBundleFromBytes deserializes a hardware bundle.
func HardwareKeyBundleFromBytes(b []byte) (*HardwareKeyBundle, error) {
	auth, spending, err := decodeBundle(b)
	if err != nil {
		return nil, err
	}

	return &HardwareKeyBundle{AuthKey: auth, Spending: spending}, nil
}

// ClonePsbt returns a deep copy of packet by round-tripping its
// serialization.
func ClonePsbt(packet *psbt.Packet) (*psbt.Packet, error) {
	var b bytes.Buffer
	if err := packet.Serialize(&b); err != nil {
		return nil, fmt.Errorf("serialize psbt: %w", err)
	}

	return psbt.NewFromRawBytes(&b, false)
}
