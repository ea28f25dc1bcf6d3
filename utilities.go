package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
)

func randomHex(length int) string {
	if length <= 0 {
		return ""
	}

	buf := make([]byte, length)

	if _, err := rand.Read(buf); err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}

// returnRangeInt32 converts a range string such as "0-4,6-7" into
// [0,1,2,3,4,6,7]. Values outside [0, max) are discarded. When
// nodeCount is above one, only shard IDs belonging to nodeID survive.
func returnRangeInt32(nodeCount, nodeID int32, rangeString string, max int32) []int32 {
	var result []int32

	for _, split := range strings.Split(rangeString, ",") {
		ranges := strings.Split(split, "-")

		low, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
		if err != nil {
			continue
		}

		high := low

		if len(ranges) > 1 {
			if high, err = strconv.Atoi(strings.TrimSpace(ranges[len(ranges)-1])); err != nil {
				continue
			}
		}

		for i := int32(low); i <= int32(high); i++ {
			if 0 <= i && i < max {
				result = append(result, i)
			}
		}
	}

	if nodeCount > 1 {
		filtered := make([]int32, 0, len(result))

		for _, id := range result {
			if id%nodeCount == nodeID {
				filtered = append(filtered, id)
			}
		}

		result = filtered
	}

	return result
}

// shardIDForGuild derives the shard that owns a guild. The high bits of
// a snowflake are its timestamp; the gateway assigns guilds to shards
// by (guild_id >> 22) % shard_count.
func shardIDForGuild(guildID discord.Snowflake, shardCount int32) int32 {
	if shardCount <= 0 {
		return 0
	}

	return int32((int64(guildID) >> 22) % int64(shardCount))
}

func unmarshalPayload(payload *discord.GatewayPayload, out any) error {
	if err := jsoniter.Unmarshal(payload.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return nil
}

func replaceIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}
