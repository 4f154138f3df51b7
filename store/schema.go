package store

const schema = `
CREATE TABLE IF NOT EXISTS validators (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_key BLOB NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS signed_blocks (
	validator_id INTEGER NOT NULL REFERENCES validators(id),
	slot INTEGER NOT NULL,
	signing_root BLOB,
	has_signing_root INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (validator_id, slot)
);

CREATE TABLE IF NOT EXISTS signed_attestations (
	validator_id INTEGER NOT NULL REFERENCES validators(id),
	source_epoch INTEGER NOT NULL,
	target_epoch INTEGER NOT NULL,
	signing_root BLOB,
	has_signing_root INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (validator_id, target_epoch)
);

CREATE INDEX IF NOT EXISTS idx_signed_attestations_source
	ON signed_attestations (validator_id, source_epoch, target_epoch);

CREATE TABLE IF NOT EXISTS low_watermarks (
	validator_id INTEGER PRIMARY KEY REFERENCES validators(id),
	min_block_slot INTEGER,
	min_attestation_source_epoch INTEGER,
	min_attestation_target_epoch INTEGER
);
`
