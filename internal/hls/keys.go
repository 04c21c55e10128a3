// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/hlsingest/internal/fetch"
	"github.com/ManuGH/hlsingest/internal/log"
	"github.com/ManuGH/hlsingest/internal/metrics"
)

// keyManager resolves AES-128 keys. The only cache is the previous
// segment's key; concurrent fetches of one URL share a request.
type keyManager struct {
	fetcher fetch.Fetcher
	log     zerolog.Logger
	group   singleflight.Group
}

// ensureKey loads seg's key if it has a key URL and none is loaded yet. prev
// is the segment before seg in the same stream, or nil.
func (k *keyManager) ensureKey(ctx context.Context, seg, prev *Segment) error {
	seg.mu.Lock()
	url, loaded := seg.keyURL, seg.keyLoaded
	seg.mu.Unlock()
	if url == "" || loaded {
		return nil
	}

	if prev != nil {
		prev.mu.Lock()
		reuse := prev.keyLoaded && prev.keyURL == url
		key := prev.key
		prev.mu.Unlock()
		if reuse {
			seg.setKey(url, key)
			metrics.IncKeyFetch("reused")
			return nil
		}
	}

	v, err, _ := k.group.Do(url, func() (any, error) {
		return k.fetchKey(ctx, url)
	})
	if err != nil {
		return err
	}
	seg.setKey(url, v.([16]byte))
	metrics.IncKeyFetch("network")
	return nil
}

// keyAttempts bounds how often keyFor reloads a key whose URL keeps changing.
const keyAttempts = 3

// keyFor loads seg's key and returns the decrypt parameters. encrypted is
// false when seg is plain. A reload repair that swaps the key URL while the
// old key is in flight makes it load the new one.
func (k *keyManager) keyFor(ctx context.Context, seg, prev *Segment) (key, iv [16]byte, encrypted bool, err error) {
	for range keyAttempts {
		if err = k.ensureKey(ctx, seg, prev); err != nil {
			return key, iv, true, err
		}
		if loadedKey, loadedIV, ok := seg.cryptoParams(); ok {
			return loadedKey, loadedIV, true, nil
		}
		seg.mu.Lock()
		encrypted = seg.keyURL != ""
		seg.mu.Unlock()
		if !encrypted {
			return key, iv, false, nil
		}
	}
	return key, iv, true, ErrKeyChanged
}

func (k *keyManager) fetchKey(ctx context.Context, url string) ([16]byte, error) {
	var key [16]byte
	h, err := openURL(ctx, k.fetcher, url)
	if err != nil {
		return key, err
	}
	defer h.Close()

	data, err := fetch.ReadAll(h, 16)
	if errors.Is(err, fetch.ErrTooLarge) || (err == nil && len(data) != 16) {
		k.log.Error().Str(log.FieldKeyURL, url).Int(log.FieldBytes, len(data)).Msg("key has wrong size")
		return key, fmt.Errorf("%w: %s", ErrBadKeySize, url)
	}
	if err != nil {
		return key, newFetchError(url, err)
	}
	copy(key[:], data)
	return key, nil
}

// setKey records key unless the key URL changed meanwhile (reload repair).
func (s *Segment) setKey(url string, key [16]byte) {
	s.mu.Lock()
	if s.keyURL == url {
		s.key, s.keyLoaded = key, true
	}
	s.mu.Unlock()
}

// cryptoParams returns what decrypt needs. ok is false for plain segments
// and while the key for the current key URL is not loaded.
func (s *Segment) cryptoParams() (key, iv [16]byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyURL == "" || !s.keyLoaded {
		return key, iv, false
	}
	iv = s.iv
	if !s.explicitIV {
		iv = deriveIV(s.sequence)
	}
	return s.key, iv, true
}

// deriveIV builds the implicit IV: zeros with the sequence number big-endian
// in the low four bytes.
func deriveIV(sequence int64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint32(iv[12:], uint32(sequence))
	return iv
}

// decryptSegment decrypts AES-128-CBC data in place and strips PKCS#7
// padding.
func decryptSegment(data []byte, key, iv [16]byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadCiphertextLength, len(data))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("hls: cipher setup: %w", err)
	}
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(data, data)
	return unpad(data)
}

func unpad(data []byte) ([]byte, error) {
	p := int(data[len(data)-1])
	if p < 1 || p > aes.BlockSize || p > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-p:] {
		if int(b) != p {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-p], nil
}
