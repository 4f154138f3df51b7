package protector

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/watchtower-guard/slashing-protector/store"
)

// interchangeFormatVersion is the only version this engine produces and
// accepts, per spec.md §6.
const interchangeFormatVersion = "5"

// InterchangeMetadata is the EIP-3076 document header.
type InterchangeMetadata struct {
	InterchangeFormatVersion string `json:"interchange_format_version"`
	GenesisValidatorsRoot    string `json:"genesis_validators_root"`
}

// InterchangeBlock is one EIP-3076 signed_blocks entry.
type InterchangeBlock struct {
	Slot        decimalUint64 `json:"slot"`
	SigningRoot *hexBytes     `json:"signing_root,omitempty"`
}

// InterchangeAttestation is one EIP-3076 signed_attestations entry.
type InterchangeAttestation struct {
	SourceEpoch decimalUint64 `json:"source_epoch"`
	TargetEpoch decimalUint64 `json:"target_epoch"`
	SigningRoot *hexBytes     `json:"signing_root,omitempty"`
}

// InterchangeEntry is the per-validator record in an EIP-3076 document.
type InterchangeEntry struct {
	PubKey             hexBytes                 `json:"pubkey"`
	SignedBlocks       []InterchangeBlock        `json:"signed_blocks"`
	SignedAttestations []InterchangeAttestation  `json:"signed_attestations"`
}

// InterchangeDocument is the full EIP-3076 import/export document.
type InterchangeDocument struct {
	Metadata InterchangeMetadata `json:"metadata"`
	Data     []InterchangeEntry  `json:"data"`
}

// decimalUint64 marshals as a JSON string of decimal digits, per EIP-3076.
type decimalUint64 uint64

func (d decimalUint64) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(d), 10) + `"`), nil
}

func (d *decimalUint64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errors.Wrap(err, "parse decimal uint64")
	}
	*d = decimalUint64(v)
	return nil
}

// hexBytes marshals as a "0x"-prefixed hex string, per EIP-3076.
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"0x` + hex.EncodeToString(h) + `"`), nil
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return errors.Wrap(err, "decode hex")
	}
	*h = v
	return nil
}

func (c *coordinator) Export(ctx context.Context, genesisValidatorsRoot string) (InterchangeDocument, error) {
	doc := InterchangeDocument{
		Metadata: InterchangeMetadata{
			InterchangeFormatVersion: interchangeFormatVersion,
			GenesisValidatorsRoot:    genesisValidatorsRoot,
		},
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return InterchangeDocument{}, failClosed(err, "export: begin")
	}
	defer tx.Rollback()

	validators, err := tx.AllValidators(ctx)
	if err != nil {
		return InterchangeDocument{}, failClosed(err, "export: list validators")
	}

	for _, val := range validators {
		blocks, err := tx.AllBlocks(ctx, val.ID)
		if err != nil {
			return InterchangeDocument{}, failClosed(err, "export: list blocks")
		}
		atts, err := tx.AllAttestations(ctx, val.ID)
		if err != nil {
			return InterchangeDocument{}, failClosed(err, "export: list attestations")
		}

		entry := InterchangeEntry{PubKey: append([]byte(nil), val.PublicKey[:]...)}
		for _, b := range blocks {
			entry.SignedBlocks = append(entry.SignedBlocks, InterchangeBlock{
				Slot:        decimalUint64(b.Slot),
				SigningRoot: rootToHex(b.SigningRoot),
			})
		}
		for _, a := range atts {
			entry.SignedAttestations = append(entry.SignedAttestations, InterchangeAttestation{
				SourceEpoch: decimalUint64(a.Source),
				TargetEpoch: decimalUint64(a.Target),
				SigningRoot: rootToHex(a.SigningRoot),
			})
		}
		doc.Data = append(doc.Data, entry)
	}

	if err := tx.Commit(); err != nil {
		return InterchangeDocument{}, failClosed(err, "export: commit")
	}
	return doc, nil
}

func (c *coordinator) Import(ctx context.Context, doc InterchangeDocument) error {
	if doc.Metadata.InterchangeFormatVersion != interchangeFormatVersion {
		return errors.Wrapf(ErrMalformedRequest, "unsupported interchange_format_version %q", doc.Metadata.InterchangeFormatVersion)
	}

	var errs error
	for _, entry := range doc.Data {
		if err := c.importEntry(ctx, entry); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "pubkey 0x%s", hex.EncodeToString(entry.PubKey)))
		}
	}
	if errs != nil {
		return errors.Wrap(ErrInterchangeRejected, errs.Error())
	}
	return nil
}

func (c *coordinator) importEntry(ctx context.Context, entry InterchangeEntry) error {
	if len(entry.PubKey) != len(PubKey{}) {
		return errors.Wrapf(ErrMalformedRequest, "public key must be %d bytes, got %d", len(PubKey{}), len(entry.PubKey))
	}
	var key PubKey
	copy(key[:], entry.PubKey)

	validators, err := c.RegisterValidators(ctx, []PubKey{key})
	if err != nil {
		return err
	}
	v := validators[0].ID

	blocks := make([]SignedBlock, len(entry.SignedBlocks))
	for i, b := range entry.SignedBlocks {
		blocks[i] = SignedBlock{ValidatorID: v, Slot: uint64(b.Slot), SigningRoot: hexToRoot(b.SigningRoot)}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Slot < blocks[j].Slot })

	atts := make([]SignedAttestation, len(entry.SignedAttestations))
	for i, a := range entry.SignedAttestations {
		atts[i] = SignedAttestation{ValidatorID: v, Source: uint64(a.SourceEpoch), Target: uint64(a.TargetEpoch), SigningRoot: hexToRoot(a.SigningRoot)}
	}
	sort.Slice(atts, func(i, j int) bool { return atts[i].Target < atts[j].Target })

	return c.withRetry(ctx, func(tx store.Tx) error {
		if err := raiseImportWatermarks(ctx, tx, v, blocks, atts); err != nil {
			return err
		}
		for _, b := range blocks {
			check, shouldInsert, err := evaluateBlock(ctx, tx, v, b.Slot, b.SigningRoot)
			if err != nil {
				return err
			}
			if check.Slashable {
				return errors.Wrapf(ErrInterchangeRejected, "block at slot %d: %s", b.Slot, check.Reason)
			}
			if shouldInsert {
				if err := tx.InsertBlock(ctx, b); err != nil {
					return err
				}
			}
		}
		for _, a := range atts {
			check, shouldInsert, err := evaluateAttestation(ctx, tx, v, a.Source, a.Target, a.SigningRoot)
			if err != nil {
				return err
			}
			if check.Slashable {
				return errors.Wrapf(ErrInterchangeRejected, "attestation at target %d: %s", a.Target, check.Reason)
			}
			if shouldInsert {
				if err := tx.InsertAttestation(ctx, a); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// raiseImportWatermarks derives a conservative watermark floor from the
// lowest slot/epoch values present in the entry being imported, so that
// every imported record still satisfies the strict/inclusive watermark
// invariants of spec.md §3 after the raise. It never raises a watermark
// above a value the entry itself needs to store: a block's slot must stay
// strictly greater than min_block_slot, so the floor is one below the
// lowest imported slot (and analogously for the strict target-epoch
// watermark); the source-epoch watermark is inclusive, so it can sit
// exactly at the lowest imported source epoch.
func raiseImportWatermarks(ctx context.Context, tx store.Tx, v ValidatorID, blocks []SignedBlock, atts []SignedAttestation) error {
	var update WatermarkUpdate
	if len(blocks) > 0 {
		lowest := blocks[0].Slot
		if lowest > 0 {
			floor := lowest - 1
			update.BlockSlot = &floor
		}
	}
	if len(atts) > 0 {
		lowestSource := atts[0].Source
		lowestTarget := atts[0].Target
		for _, a := range atts {
			if a.Source < lowestSource {
				lowestSource = a.Source
			}
			if a.Target < lowestTarget {
				lowestTarget = a.Target
			}
		}
		update.SourceEpoch = &lowestSource
		if lowestTarget > 0 {
			floor := lowestTarget - 1
			update.TargetEpoch = &floor
		}
	}
	if update.BlockSlot == nil && update.SourceEpoch == nil && update.TargetEpoch == nil {
		return nil
	}
	return tx.RaiseWatermarks(ctx, v, update)
}

func rootToHex(r Root) *hexBytes {
	if !r.Valid {
		return nil
	}
	h := hexBytes(append([]byte(nil), r.Value[:]...))
	return &h
}

func hexToRoot(h *hexBytes) Root {
	if h == nil {
		return Root{}
	}
	var r Root
	r.Valid = true
	copy(r.Value[:], *h)
	return r
}
