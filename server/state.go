package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/util"
)

// KeyEnvVar overrides the persisted signing key when set. The value is the
// hex encoded secp256k1 private key.
const KeyEnvVar = "WARDEN_PRIVATE_KEY"

const stateFilename = "state.bin"

type state struct {
	PrivKey []byte
}

func saveState(datadir string, s *state) error {
	return util.Persist(filepath.Join(datadir, stateFilename), s)
}

// loadState resolves the node's signing key. A fresh key is generated when
// neither the environment override nor the persisted state file exists; when
// both exist they must agree.
func loadState(ctx context.Context, datadir, envKey string) (*state, error) {
	var envPriv []byte
	if envKey != "" {
		raw, err := hex.DecodeString(envKey)
		if err != nil {
			return nil, fmt.Errorf("decoding key from %s: %w", KeyEnvVar, err)
		}
		if _, err := crypto.ToECDSA(raw); err != nil {
			return nil, fmt.Errorf("invalid key in %s: %w", KeyEnvVar, err)
		}
		envPriv = raw
	}

	v := &state{}
	err := util.Load(filepath.Join(datadir, stateFilename), v)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if envPriv != nil {
			return &state{PrivKey: envPriv}, nil
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		logging.FromContext(ctx).Info(
			"generated new signing key",
			zap.String("address", crypto.PubkeyToAddress(key.PublicKey).Hex()),
		)
		return &state{PrivKey: crypto.FromECDSA(key)}, nil
	case err != nil:
		return nil, err
	}

	if envPriv != nil && !bytes.Equal(envPriv, v.PrivKey) {
		return nil, fmt.Errorf("%s does not match the persisted signing key", KeyEnvVar)
	}

	return v, nil
}

func (s *state) key() (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(s.PrivKey)
}
