package outbox

const aggregationFinishedSchema = `{
  "type": "object",
  "title": "ActivityEventEnvelope",
  "properties": {
    "event_id": {"type": "string", "format": "uuid"},
    "activity_id": {"type": "string", "format": "uuid"},
    "user_id": {"type": "string", "format": "uuid"},
    "event_time": {"type": "string", "format": "date-time"},
    "type": {"type": "string"},
    "payload": {"type": "object"}
  },
  "required": ["event_id", "activity_id", "user_id", "event_time", "type", "payload"],
  "additionalProperties": false
}`

const refreshFinishedSchema = `{
  "type": "object",
  "title": "RefreshFinished",
  "properties": {
    "origin": {"type": "string"},
    "activity_id": {"type": "string", "format": "uuid"},
    "connected_user_site_ids": {"type": "array", "items": {"type": "string", "format": "uuid"}},
    "finished_at": {"type": "string", "format": "date-time"}
  },
  "required": ["origin", "activity_id", "connected_user_site_ids", "finished_at"],
  "additionalProperties": false
}`

const activityWebhookSchema = `{
  "type": "object",
  "title": "ActivityFinishedWebhook",
  "properties": {
    "activity_id": {"type": "string", "format": "uuid"},
    "user_id": {"type": "string", "format": "uuid"},
    "outcomes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "user_site_id": {"type": "string", "format": "uuid"},
          "status": {"type": "string"}
        },
        "required": ["user_site_id", "status"]
      }
    },
    "finished_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "outcomes", "finished_at"],
  "additionalProperties": false
}`
