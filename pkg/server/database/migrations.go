package database

var migrations = []string{
	// 001 baseline schema
	`
CREATE TABLE migrations
(
    version  INTEGER   NOT NULL,
    created  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
INSERT INTO migrations (version) VALUES (1);

CREATE TABLE credential
(
    id                 UUID PRIMARY KEY,
    name               VARCHAR NOT NULL UNIQUE,
    username           VARCHAR NOT NULL,
    password           VARCHAR NOT NULL DEFAULT '',
    ssh_public_key     VARCHAR NOT NULL DEFAULT '',
    ssh_private_key    VARCHAR NOT NULL DEFAULT '',
    registration_token VARCHAR NOT NULL DEFAULT '',
    is_default         BOOLEAN NOT NULL DEFAULT FALSE,
    created            TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE deployment
(
    id            UUID PRIMARY KEY,
    state         VARCHAR NOT NULL,
    progress      INTEGER NOT NULL DEFAULT 0,
    current_step  VARCHAR NOT NULL DEFAULT '',
    warning       VARCHAR NOT NULL DEFAULT '',
    request       JSONB   NOT NULL,
    credential_id UUID REFERENCES credential (id),
    created       TIMESTAMP WITH TIME ZONE NOT NULL,
    started       TIMESTAMP WITH TIME ZONE,
    completed     TIMESTAMP WITH TIME ZONE
);
CREATE INDEX deployment_created ON deployment (created DESC);

CREATE TABLE deployment_step
(
    deployment_id UUID REFERENCES deployment (id) ON DELETE CASCADE,
    idx           INTEGER NOT NULL,
    name          VARCHAR NOT NULL,
    label         VARCHAR NOT NULL,
    status        VARCHAR NOT NULL,
    output        TEXT    NOT NULL DEFAULT '',
    error         VARCHAR NOT NULL DEFAULT '',
    kind          VARCHAR NOT NULL DEFAULT '',
    started       TIMESTAMP WITH TIME ZONE,
    finished      TIMESTAMP WITH TIME ZONE,
    PRIMARY KEY (deployment_id, idx)
);
`,
	// 002 saved deployment configurations
	`
INSERT INTO migrations (version) VALUES (2);

CREATE TABLE saved_config
(
    id      UUID PRIMARY KEY,
    name    VARCHAR NOT NULL UNIQUE,
    request JSONB   NOT NULL,
    created TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`,
}
