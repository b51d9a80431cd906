// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reservation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// reservationBucket is the top level bucket holding one key per
	// reservation id.
	reservationBucket = []byte("reservations")

	errNoBucket = errors.New("reservation bucket missing")
)

const (
	typeWalletID tlv.Type = 0
	typeCreated  tlv.Type = 1
	typeCredits  tlv.Type = 2

	typeCreditHash      tlv.Type = 0
	typeCreditIndex     tlv.Type = 1
	typeCreditAmount    tlv.Type = 2
	typeCreditPkScript  tlv.Type = 3
	typeCreditHeight    tlv.Type = 4
	typeCreditBlockHash tlv.Type = 5
	typeCreditCoinbase  tlv.Type = 6
)

// Store persists reservations in a walletdb database.
type Store struct {
	db walletdb.DB
}

// NewStore prepares db for reservation storage.
func NewStore(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(reservationBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create reservation "+
			"bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Put writes a reservation, replacing any previous value under its id.
func (s *Store) Put(res *Reservation) error {
	v, err := encodeReservation(res)
	if err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(reservationBucket)
		if bucket == nil {
			return errNoBucket
		}

		return bucket.Put([]byte(res.ID), v)
	})
}

// Delete removes a reservation.
func (s *Store) Delete(id string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(reservationBucket)
		if bucket == nil {
			return errNoBucket
		}

		return bucket.Delete([]byte(id))
	})
}

// FetchAll reads every stored reservation.
func (s *Store) FetchAll() ([]*Reservation, error) {
	var all []*Reservation
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(reservationBucket)
		if bucket == nil {
			return errNoBucket
		}

		return bucket.ForEach(func(k, v []byte) error {
			res, err := decodeReservation(string(k), v)
			if err != nil {
				return fmt.Errorf("reservation %s: %w", k, err)
			}
			all = append(all, res)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return all, nil
}

func encodeReservation(res *Reservation) ([]byte, error) {
	walletID := []byte(res.WalletID)
	created := uint64(res.Created.UnixNano())

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeWalletID, &walletID),
		tlv.MakePrimitiveRecord(typeCreated, &created),
		tlv.MakeDynamicRecord(
			typeCredits, &res.UTXOs, func() uint64 {
				return recordSize(creditsEncoder, &res.UTXOs)
			}, creditsEncoder, creditsDecoder,
		),
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

func decodeReservation(id string, v []byte) (*Reservation, error) {
	var (
		walletID []byte
		created  uint64
		res      = &Reservation{ID: id}
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeWalletID, &walletID),
		tlv.MakePrimitiveRecord(typeCreated, &created),
		tlv.MakeDynamicRecord(
			typeCredits, &res.UTXOs, func() uint64 {
				return recordSize(creditsEncoder, &res.UTXOs)
			}, creditsEncoder, creditsDecoder,
		),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	res.WalletID = string(walletID)
	res.Created = time.Unix(0, int64(created))

	return res, nil
}

func creditRecords(hash *[32]byte, index *uint32, amount *uint64,
	pkScript *[]byte, height *uint32, blockHash *[32]byte,
	coinbase *uint8) []tlv.Record {

	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeCreditHash, hash),
		tlv.MakePrimitiveRecord(typeCreditIndex, index),
		tlv.MakePrimitiveRecord(typeCreditAmount, amount),
		tlv.MakePrimitiveRecord(typeCreditPkScript, pkScript),
		tlv.MakePrimitiveRecord(typeCreditHeight, height),
		tlv.MakePrimitiveRecord(typeCreditBlockHash, blockHash),
		tlv.MakePrimitiveRecord(typeCreditCoinbase, coinbase),
	}
}

// creditsEncoder writes each credit as a varint length followed by its own
// TLV stream.
func creditsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*[]wtxmgr.Credit)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[]wtxmgr.Credit")
	}

	for _, c := range *v {
		var (
			hash      [32]byte = c.Hash
			index              = c.Index
			amount             = uint64(c.Amount)
			pkScript           = c.PkScript
			height             = uint32(c.Height)
			blockHash [32]byte = c.Block.Hash
			coinbase  uint8
		)
		if c.FromCoinBase {
			coinbase = 1
		}

		stream, err := tlv.NewStream(creditRecords(
			&hash, &index, &amount, &pkScript, &height, &blockHash,
			&coinbase,
		)...)
		if err != nil {
			return err
		}

		var inner bytes.Buffer
		if err := stream.Encode(&inner); err != nil {
			return err
		}

		err = tlv.WriteVarInt(w, uint64(inner.Len()), buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(inner.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

func creditsDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*[]wtxmgr.Credit)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[]wtxmgr.Credit", l, l)
	}

	outer := &io.LimitedReader{R: r, N: int64(l)}

	var credits []wtxmgr.Credit
	for {
		size, err := tlv.ReadVarInt(outer, buf)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}

		var (
			hash      [32]byte
			index     uint32
			amount    uint64
			pkScript  []byte
			height    uint32
			blockHash [32]byte
			coinbase  uint8
		)
		stream, err := tlv.NewStream(creditRecords(
			&hash, &index, &amount, &pkScript, &height, &blockHash,
			&coinbase,
		)...)
		if err != nil {
			return err
		}

		err = stream.Decode(&io.LimitedReader{R: outer, N: int64(size)})
		if err != nil {
			return err
		}

		credit := wtxmgr.Credit{
			OutPoint: wire.OutPoint{Hash: hash, Index: index},
			Amount:   btcutil.Amount(amount),
			PkScript: pkScript,
			BlockMeta: wtxmgr.BlockMeta{
				Block: wtxmgr.Block{
					Hash:   blockHash,
					Height: int32(height),
				},
			},
			FromCoinBase: coinbase == 1,
		}
		credits = append(credits, credit)
	}

	*v = credits

	return nil
}

// recordSize returns the amount of bytes this TLV record will occupy when
// encoded.
func recordSize(encoder tlv.Encoder, v interface{}) uint64 {
	var (
		b   bytes.Buffer
		buf [8]byte
	)

	if err := encoder(&b, v, &buf); err != nil {
		log.Errorf("Encoding the record failed: %v", err)
	}

	return uint64(b.Len())
}
