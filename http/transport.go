package http

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/watchtower-guard/slashing-protector/protector"
)

type jsonPubKey protector.PubKey

func (j jsonPubKey) MarshalJSON() ([]byte, error) {
	return []byte(`"0x` + hex.EncodeToString(j[:]) + `"`), nil
}

func (j *jsonPubKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	copy(j[:], v)
	return nil
}

// jsonRoot codes a protector.Root as either a "0x..."-prefixed hex string
// or JSON null for an absent root - the wire equivalent of the domain's
// explicit absent variant (spec.md §9).
type jsonRoot protector.Root

func (j jsonRoot) MarshalJSON() ([]byte, error) {
	if !j.Valid {
		return []byte("null"), nil
	}
	return []byte(`"0x` + hex.EncodeToString(j.Value[:]) + `"`), nil
}

func (j *jsonRoot) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*j = jsonRoot{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	j.Valid = true
	copy(j.Value[:], v)
	return nil
}

type checkProposalRequest struct {
	PubKey      jsonPubKey `json:"pub_key"`
	SigningRoot jsonRoot   `json:"signing_root"`
	Slot        uint64     `json:"slot,string"`
}

type checkAttestationRequest struct {
	PubKey      jsonPubKey `json:"pub_key"`
	SigningRoot jsonRoot   `json:"signing_root"`
	Source      uint64     `json:"source,string"`
	Target      uint64     `json:"target,string"`
}

type registerValidatorsRequest struct {
	PubKeys []jsonPubKey `json:"pub_keys"`
}

type setWatermarksRequest struct {
	PubKey      jsonPubKey `json:"pub_key"`
	BlockSlot   *uint64    `json:"block_slot,omitempty"`
	SourceEpoch *uint64    `json:"source_epoch,omitempty"`
	TargetEpoch *uint64    `json:"target_epoch,omitempty"`
}

type checkResponse struct {
	Check      *protector.Check `json:"check,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (c *checkResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if c.StatusCode != 0 {
		render.Status(r, c.StatusCode)
	}
	render.JSON(w, r, c)
	return nil
}
