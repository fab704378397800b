package api

const requestTransferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["sender", "recipient"],
  "properties": {
    "sender": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "recipient": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "amount_eth": {"type": ["number", "string"]},
    "amount_usd": {"type": ["number", "string"]}
  },
  "oneOf": [
    {"required": ["amount_eth"]},
    {"required": ["amount_usd"]}
  ]
}`

const submitTransferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["sender", "recipient", "message", "signature"],
  "properties": {
    "sender": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "recipient": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "message": {"type": "string", "minLength": 2, "maxLength": 4096},
    "signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
  }
}`
