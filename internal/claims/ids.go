package claims

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// IDGenerator issues identifiers for new records
type IDGenerator interface {
	ChargeID() string
	ClaimID() string
	Reference() string
}

// SnowflakeIDs issues time-ordered charge and claim ids unique per node
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates a generator for nodeID in [0, 1023]
func NewSnowflakeIDs(nodeID int64) (*SnowflakeIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeIDs{node: node}, nil
}

func (s *SnowflakeIDs) ChargeID() string { return "CHG-" + s.node.Generate().String() }

func (s *SnowflakeIDs) ClaimID() string { return "CLM-" + s.node.Generate().String() }

// Reference returns a clearinghouse submission reference
func (s *SnowflakeIDs) Reference() string { return "CH-" + uuid.NewString() }
