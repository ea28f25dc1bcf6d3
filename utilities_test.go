package relay

import (
	"reflect"
	"testing"

	"github.com/WelcomerTeam/Discord/discord"
)

func TestReturnRangeInt32(t *testing.T) {
	rangeString := "0-4,6-7"
	max := int32(8)
	expected := []int32{0, 1, 2, 3, 4, 6, 7}

	result := returnRangeInt32(1, 0, rangeString, max)

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeInt32Single(t *testing.T) {
	rangeString := "3"
	max := int32(8)
	expected := []int32{3}

	result := returnRangeInt32(1, 0, rangeString, max)

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeInt32Empty(t *testing.T) {
	result := returnRangeInt32(1, 0, "", int32(8))

	if len(result) != 0 {
		t.Errorf("Expected empty result, but got %v", result)
	}
}

func TestReturnRangeInt32OutOfRange(t *testing.T) {
	rangeString := "0-4,6-7,8"
	max := int32(8)
	expected := []int32{0, 1, 2, 3, 4, 6, 7}

	result := returnRangeInt32(1, 0, rangeString, max)

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeInt32NodeFiltering(t *testing.T) {
	rangeString := "0-7"
	max := int32(8)

	node0 := returnRangeInt32(2, 0, rangeString, max)
	node1 := returnRangeInt32(2, 1, rangeString, max)

	if !reflect.DeepEqual(node0, []int32{0, 2, 4, 6}) {
		t.Errorf("Expected even shards on node 0, but got %v", node0)
	}

	if !reflect.DeepEqual(node1, []int32{1, 3, 5, 7}) {
		t.Errorf("Expected odd shards on node 1, but got %v", node1)
	}
}

func TestShardIDForGuild(t *testing.T) {
	tests := []struct {
		guildID    discord.Snowflake
		shardCount int32
		expected   int32
	}{
		{discord.Snowflake(0), 1, 0},
		{discord.Snowflake(1 << 22), 2, 1},
		{discord.Snowflake(2 << 22), 2, 0},
		{discord.Snowflake(5 << 22), 4, 1},
		{discord.Snowflake(1 << 22), 0, 0},
	}

	for _, test := range tests {
		result := shardIDForGuild(test.guildID, test.shardCount)

		if result != test.expected {
			t.Errorf("shardIDForGuild(%d, %d): expected %d, but got %d",
				test.guildID, test.shardCount, test.expected, result)
		}
	}
}

func TestReplaceIfEmpty(t *testing.T) {
	if v := replaceIfEmpty("", "default"); v != "default" {
		t.Errorf("Expected default, but got %s", v)
	}

	if v := replaceIfEmpty("value", "default"); v != "value" {
		t.Errorf("Expected value, but got %s", v)
	}
}

func TestTokenHash(t *testing.T) {
	a := tokenHash("token-a")
	b := tokenHash("token-b")

	if a == b {
		t.Error("Expected different tokens to hash differently")
	}

	if a != tokenHash("token-a") {
		t.Error("Expected token hash to be stable")
	}

	if len(a) != 64 {
		t.Errorf("Expected 64 character hash, but got %d", len(a))
	}
}

func TestRandomHex(t *testing.T) {
	if v := randomHex(8); len(v) != 16 {
		t.Errorf("Expected 16 characters, but got %d", len(v))
	}

	if v := randomHex(0); v != "" {
		t.Errorf("Expected empty string, but got %s", v)
	}
}
