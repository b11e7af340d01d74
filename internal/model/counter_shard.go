package model

// CounterShard holds one slice of a sharded counter's total.
type CounterShard struct {
	ID    uint   `gorm:"primaryKey;autoIncrement"`
	Name  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_counter_shards_name_index,priority:1"`
	Index int    `gorm:"column:shard_index;not null;uniqueIndex:idx_counter_shards_name_index,priority:2"`
	Count int64  `gorm:"column:shard_count;not null"`
}

// TableName specifies the table name for CounterShard
func (CounterShard) TableName() string {
	return "counter_shards"
}

// CounterShardConfig records how many shards a counter spreads over.
type CounterShardConfig struct {
	Name      string `gorm:"primaryKey;type:varchar(255)"`
	NumShards int    `gorm:"not null"`
}

// TableName specifies the table name for CounterShardConfig
func (CounterShardConfig) TableName() string {
	return "counter_shard_configs"
}
