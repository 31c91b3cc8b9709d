package embedded

import _ "embed"

//go:embed conversations.jsonl
var Conversations []byte

//go:embed modelConfig.json
var ModelConfig []byte
