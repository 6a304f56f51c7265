package foxglove

const BundleSchema = `{
  "type": "object",
  "properties": {
    "timestamp": {
      "type": "object",
      "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } }
    },
    "device": { "type": "string" },
    "bundle_id": { "type": "string" },
    "values": { "type": "object", "additionalProperties": true },
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": { "type": "string" },
          "name": { "type": "string" },
          "raw_hex": { "type": "string" },
          "value": {}
        }
      }
    }
  },
  "required": ["timestamp", "bundle_id", "values"]
}`

const LogSchema = `{
  "type": "object",
  "properties": {
    "timestamp": {
      "type": "object",
      "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } }
    },
    "level": { "type": "integer" },
    "message": { "type": "string" },
    "name": { "type": "string" },
    "file": { "type": "string" },
    "line": { "type": "integer" }
  }
}`

type Config struct {
	WSAddr       string
	Name         string
	Topic        string
	ChannelID    uint64
	SchemaName   string
	Schema       string
	LogTopic     string
	LogChannelID uint64
	LogName      string
	SendBuf      int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:       "127.0.0.1:8765",
		Name:         "tapd",
		Topic:        "/tap/bundle",
		ChannelID:    1,
		SchemaName:   "taplog.Bundle",
		Schema:       BundleSchema,
		LogTopic:     "/tap/log",
		LogChannelID: 2,
		LogName:      "tapd",
		SendBuf:      256,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = def.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.ChannelID == 0 {
		cfg.ChannelID = def.ChannelID
	}
	if cfg.SchemaName == "" {
		cfg.SchemaName = def.SchemaName
	}
	if cfg.Schema == "" {
		cfg.Schema = def.Schema
	}
	if cfg.LogTopic == "" {
		cfg.LogTopic = def.LogTopic
	}
	if cfg.LogChannelID == 0 || cfg.LogChannelID == cfg.ChannelID {
		cfg.LogChannelID = cfg.ChannelID + 1
	}
	if cfg.LogName == "" {
		cfg.LogName = def.LogName
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
	return cfg
}
