package remote

import (
	"encoding/json"
	"fmt"
)

const (
	// mergeUserDataScript atomically raises the stored balance to the given
	// value if higher and records the freshest update timestamp. Max-merge
	// keeps reconciliation idempotent and safe against double counting.
	mergeUserDataScript = `
local user_key = KEYS[1]      -- windkeeper:user:{userID}

local balance = tonumber(ARGV[1])
local updated_at = ARGV[2]

local current = tonumber(redis.call('HGET', user_key, 'balance'))
if current == nil or balance > current then
  redis.call('HSET', user_key, 'balance', balance)
end

local current_ts = redis.call('HGET', user_key, 'updated_at')
if current_ts == false or updated_at > current_ts then
  redis.call('HSET', user_key, 'updated_at', updated_at)
end

return 'OK'
`
)

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}
