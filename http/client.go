package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/requests"
	"github.com/pkg/errors"

	"github.com/watchtower-guard/slashing-protector/protector"
)

// Client talks to a Server over HTTP, for host processes that run the
// engine out of process instead of linking it in.
type Client struct {
	http *http.Client
	base string
}

func NewClient(httpClient *http.Client, addr string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, base: addr}
}

func (c *Client) RegisterValidators(ctx context.Context, pubKeys []protector.PubKey) ([]protector.Validator, error) {
	keys := make([]jsonPubKey, len(pubKeys))
	for i, k := range pubKeys {
		keys[i] = jsonPubKey(k)
	}

	var out []struct {
		ID     protector.ValidatorID `json:"id"`
		PubKey jsonPubKey            `json:"pub_key"`
	}
	err := requests.URL(c.base).
		Client(c.http).
		Path("/v1/validators").
		BodyJSON(&registerValidatorsRequest{PubKeys: keys}).
		ToJSON(&out).
		Fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "RegisterValidators")
	}

	validators := make([]protector.Validator, len(out))
	for i, v := range out {
		validators[i] = protector.Validator{ID: v.ID, PublicKey: protector.PubKey(v.PubKey)}
	}
	return validators, nil
}

func (c *Client) SetWatermarks(ctx context.Context, pubKey protector.PubKey, update protector.WatermarkUpdate) error {
	request := setWatermarksRequest{
		PubKey:      jsonPubKey(pubKey),
		BlockSlot:   update.BlockSlot,
		SourceEpoch: update.SourceEpoch,
		TargetEpoch: update.TargetEpoch,
	}
	err := requests.URL(c.base).
		Client(c.http).
		Path("/v1/watermarks").
		BodyJSON(&request).
		Fetch(ctx)
	if err != nil {
		return errors.Wrap(err, "SetWatermarks")
	}
	return nil
}

func (c *Client) CheckProposal(
	ctx context.Context,
	pubKey protector.PubKey,
	signingRoot protector.Root,
	slot uint64,
) (*protector.Check, error) {
	request := checkProposalRequest{
		PubKey:      jsonPubKey(pubKey),
		SigningRoot: jsonRoot(signingRoot),
		Slot:        slot,
	}
	var resp checkResponse
	err := requests.URL(c.base).
		Client(c.http).
		Path("/v1/slashable/proposal").
		BodyJSON(&request).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "CheckProposal")
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Check, nil
}

func (c *Client) CheckAttestation(
	ctx context.Context,
	pubKey protector.PubKey,
	signingRoot protector.Root,
	source, target uint64,
) (*protector.Check, error) {
	request := checkAttestationRequest{
		PubKey:      jsonPubKey(pubKey),
		SigningRoot: jsonRoot(signingRoot),
		Source:      source,
		Target:      target,
	}
	var resp checkResponse
	err := requests.URL(c.base).
		Client(c.http).
		Path("/v1/slashable/attestation").
		BodyJSON(&request).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "CheckAttestation")
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Check, nil
}

func (c *Client) Export(ctx context.Context, genesisValidatorsRoot string) (protector.InterchangeDocument, error) {
	var doc protector.InterchangeDocument
	err := requests.URL(c.base).
		Client(c.http).
		Path("/v1/export").
		Param("genesis_validators_root", genesisValidatorsRoot).
		ToJSON(&doc).
		Fetch(ctx)
	if err != nil {
		return protector.InterchangeDocument{}, errors.Wrap(err, "Export")
	}
	return doc, nil
}

func (c *Client) Import(ctx context.Context, doc protector.InterchangeDocument) error {
	err := requests.URL(c.base).
		Client(c.http).
		Path("/v1/import").
		BodyJSON(&doc).
		Fetch(ctx)
	if err != nil {
		return errors.Wrap(err, "Import")
	}
	return nil
}
