package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	sqlite "github.com/glebarez/sqlite"

	"splinter/internal/circuit"
)

// Backend selects which gorm.Dialector a gormStore opens, per spec.md §9's
// guidance to dispatch dynamically on store backend without leaking SQL
// dialect specifics past the Store interface.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Config selects the backend and connection string.
type Config struct {
	Backend Backend
	DSN     string
}

type gormStore struct {
	db *gorm.DB
}

// Open constructs a Store backed by Postgres or SQLite, chosen by
// cfg.Backend, mirroring services/otc-gateway's gorm.Open(postgres.Open(...))
// construction and services/swapd/storage's sqlite wiring.
func Open(cfg Config) (Store, error) {
	var dialector gorm.Dialector
	switch cfg.Backend {
	case BackendPostgres:
		dialector = postgres.Open(cfg.DSN)
	case BackendSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Backend, err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) CreateCircuit(ctx context.Context, c circuit.Circuit) error {
	if err := c.Validate(); err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing circuitRow
		err := tx.First(&existing, "circuit_id = ?", c.CircuitID).Error
		if err == nil {
			return circuit.NewConstraintViolation("circuit %s already exists", c.CircuitID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return circuit.WrapInternal(err, "lookup existing circuit")
		}
		return insertCircuitTx(tx, c)
	})
}

func insertCircuitTx(tx *gorm.DB, c circuit.Circuit) error {
	row := circuitRow{
		CircuitID:         c.CircuitID,
		AuthorizationType: string(c.AuthorizationType),
		Persistence:       string(c.Persistence),
		Durability:        string(c.Durability),
		Routes:            string(c.Routes),
		ManagementType:    c.CircuitManagementType,
		DisplayName:       c.DisplayName,
		CircuitVersion:    c.CircuitVersion,
		CircuitStatus:     c.CircuitStatus.Code(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return circuit.WrapInternal(err, "insert circuit row")
	}
	for pos, m := range c.Members {
		if err := tx.Create(&circuitMemberRow{CircuitID: c.CircuitID, NodeID: m.NodeID, Position: pos, PublicKey: m.PublicKey}).Error; err != nil {
			return circuit.WrapInternal(err, "insert circuit member")
		}
		for epPos, ep := range m.Endpoints {
			if err := tx.Create(&circuitMemberEndpointRow{CircuitID: c.CircuitID, NodeID: m.NodeID, Endpoint: ep, Position: epPos}).Error; err != nil {
				return circuit.WrapInternal(err, "insert circuit member endpoint")
			}
		}
	}
	for pos, svc := range c.Roster {
		if err := tx.Create(&serviceRow{CircuitID: c.CircuitID, ServiceID: svc.ServiceID, ServiceType: svc.ServiceType, NodeID: svc.NodeID, Position: pos}).Error; err != nil {
			return circuit.WrapInternal(err, "insert service")
		}
		for argPos, arg := range svc.Arguments {
			if err := tx.Create(&serviceArgumentRow{CircuitID: c.CircuitID, ServiceID: svc.ServiceID, Key: arg.Key, Value: arg.Value, Position: argPos}).Error; err != nil {
				return circuit.WrapInternal(err, "insert service argument")
			}
		}
	}
	return nil
}

func (s *gormStore) FetchCircuit(ctx context.Context, circuitID string) (circuit.Circuit, bool, error) {
	var row circuitRow
	err := s.db.WithContext(ctx).First(&row, "circuit_id = ?", circuitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return circuit.Circuit{}, false, nil
	}
	if err != nil {
		return circuit.Circuit{}, false, circuit.WrapInternal(err, "fetch circuit")
	}
	c, err := assembleCircuit(s.db.WithContext(ctx), row)
	if err != nil {
		return circuit.Circuit{}, false, err
	}
	return c, true, nil
}

func assembleCircuit(db *gorm.DB, row circuitRow) (circuit.Circuit, error) {
	var members []circuitMemberRow
	if err := db.Order("position").Find(&members, "circuit_id = ?", row.CircuitID).Error; err != nil {
		return circuit.Circuit{}, circuit.WrapInternal(err, "load circuit members")
	}
	status, err := circuit.CircuitStatusFromCode(row.CircuitStatus)
	if err != nil {
		return circuit.Circuit{}, circuit.WrapInternal(err, "decode circuit status")
	}
	c := circuit.Circuit{
		CircuitID:             row.CircuitID,
		AuthorizationType:     circuit.AuthorizationType(row.AuthorizationType),
		Persistence:           circuit.Persistence(row.Persistence),
		Durability:            circuit.Durability(row.Durability),
		Routes:                circuit.RouteType(row.Routes),
		CircuitManagementType: row.ManagementType,
		DisplayName:           row.DisplayName,
		CircuitVersion:        row.CircuitVersion,
		CircuitStatus:         status,
	}
	for _, m := range members {
		var endpoints []circuitMemberEndpointRow
		if err := db.Order("position").Find(&endpoints, "circuit_id = ? AND node_id = ?", row.CircuitID, m.NodeID).Error; err != nil {
			return circuit.Circuit{}, circuit.WrapInternal(err, "load member endpoints")
		}
		member := circuit.Member{NodeID: m.NodeID, PublicKey: m.PublicKey}
		for _, ep := range endpoints {
			member.Endpoints = append(member.Endpoints, ep.Endpoint)
		}
		c.Members = append(c.Members, member)
	}
	var services []serviceRow
	if err := db.Order("position").Find(&services, "circuit_id = ?", row.CircuitID).Error; err != nil {
		return circuit.Circuit{}, circuit.WrapInternal(err, "load services")
	}
	for _, svcRow := range services {
		var args []serviceArgumentRow
		if err := db.Order("position").Find(&args, "circuit_id = ? AND service_id = ?", row.CircuitID, svcRow.ServiceID).Error; err != nil {
			return circuit.Circuit{}, circuit.WrapInternal(err, "load service arguments")
		}
		svc := circuit.Service{ServiceID: svcRow.ServiceID, ServiceType: svcRow.ServiceType, NodeID: svcRow.NodeID}
		for _, a := range args {
			svc.Arguments = append(svc.Arguments, circuit.ServiceArgument{Key: a.Key, Value: a.Value})
		}
		c.Roster = append(c.Roster, svc)
	}
	return c, nil
}

func (s *gormStore) ListCircuits(ctx context.Context, filter CircuitFilter) ([]circuit.Circuit, error) {
	db := s.db.WithContext(ctx)
	var rows []circuitRow
	query := db.Model(&circuitRow{})
	if filter.Status != nil {
		query = query.Where("circuit_status = ?", filter.Status.Code())
	}
	if filter.MemberNodeID != "" {
		query = query.Where("circuit_id IN (?)", db.Model(&circuitMemberRow{}).Select("circuit_id").Where("node_id = ?", filter.MemberNodeID))
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, circuit.WrapInternal(err, "list circuits")
	}
	out := make([]circuit.Circuit, 0, len(rows))
	for _, row := range rows {
		c, err := assembleCircuit(db, row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *gormStore) UpdateCircuitStatus(ctx context.Context, circuitID string, status circuit.CircuitStatus) error {
	res := s.db.WithContext(ctx).Model(&circuitRow{}).Where("circuit_id = ?", circuitID).Update("circuit_status", status.Code())
	if res.Error != nil {
		return circuit.WrapInternal(res.Error, "update circuit status")
	}
	if res.RowsAffected == 0 {
		return circuit.NewInvalidState("circuit %s does not exist", circuitID)
	}
	return nil
}

func (s *gormStore) PurgeCircuit(ctx context.Context, circuitID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row circuitRow
		if err := tx.First(&row, "circuit_id = ?", circuitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return circuit.NewInvalidState("circuit %s does not exist", circuitID)
			}
			return circuit.WrapInternal(err, "fetch circuit for purge")
		}
		status, err := circuit.CircuitStatusFromCode(row.CircuitStatus)
		if err != nil {
			return circuit.WrapInternal(err, "decode circuit status")
		}
		if status == circuit.CircuitActive {
			return circuit.NewInvalidState("circuit %s is Active, cannot purge", circuitID)
		}
		for _, model := range []any{&circuitMemberRow{}, &circuitMemberEndpointRow{}, &serviceRow{}, &serviceArgumentRow{}} {
			if err := tx.Where("circuit_id = ?", circuitID).Delete(model).Error; err != nil {
				return circuit.WrapInternal(err, "purge circuit children")
			}
		}
		if err := tx.Delete(&row).Error; err != nil {
			return circuit.WrapInternal(err, "purge circuit")
		}
		return nil
	})
}

func (s *gormStore) CreateProposal(ctx context.Context, p circuit.Proposal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing circuitProposalRow
		err := tx.First(&existing, "circuit_id = ?", p.CircuitID).Error
		if err == nil {
			return circuit.NewConstraintViolation("a proposal for circuit %s already exists", p.CircuitID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return circuit.WrapInternal(err, "lookup existing proposal")
		}
		if err := tx.Create(&circuitProposalRow{
			CircuitID:       p.CircuitID,
			ProposalType:    string(p.ProposalType),
			CircuitHash:     p.CircuitHash,
			Requester:       p.Requester,
			RequesterNodeID: p.RequesterNodeID,
		}).Error; err != nil {
			return circuit.WrapInternal(err, "insert circuit_proposal")
		}
		if err := insertProposedCircuitTx(tx, p.CircuitID, p.Circuit); err != nil {
			return err
		}
		for pos, v := range p.Votes {
			if err := tx.Create(&voteRecordRow{CircuitID: p.CircuitID, VoterNodeID: v.VoterNodeID, PublicKey: v.PublicKey, Vote: string(v.Vote), Position: pos}).Error; err != nil {
				return circuit.WrapInternal(err, "insert vote record")
			}
		}
		return nil
	})
}

func insertProposedCircuitTx(tx *gorm.DB, circuitID string, c circuit.Circuit) error {
	row := proposedCircuitRow{
		CircuitID:           circuitID,
		AuthorizationType:   string(c.AuthorizationType),
		Persistence:         string(c.Persistence),
		Durability:          string(c.Durability),
		Routes:              string(c.Routes),
		ManagementType:      c.CircuitManagementType,
		DisplayName:         c.DisplayName,
		CircuitVersion:      c.CircuitVersion,
		ApplicationMetadata: JSONColumn[[]byte]{Value: c.ApplicationMetadata},
		Comments:            c.Comments,
	}
	if err := tx.Create(&row).Error; err != nil {
		return circuit.WrapInternal(err, "insert proposed_circuit")
	}
	for pos, m := range c.Members {
		if err := tx.Create(&proposedNodeRow{CircuitID: circuitID, NodeID: m.NodeID, Position: pos, PublicKey: m.PublicKey}).Error; err != nil {
			return circuit.WrapInternal(err, "insert proposed_node")
		}
		for epPos, ep := range m.Endpoints {
			if err := tx.Create(&proposedNodeEndpointRow{CircuitID: circuitID, NodeID: m.NodeID, Endpoint: ep, Position: epPos}).Error; err != nil {
				return circuit.WrapInternal(err, "insert proposed_node_endpoint")
			}
		}
	}
	for pos, svc := range c.Roster {
		if err := tx.Create(&proposedServiceRow{CircuitID: circuitID, ServiceID: svc.ServiceID, ServiceType: svc.ServiceType, NodeID: svc.NodeID, Position: pos}).Error; err != nil {
			return circuit.WrapInternal(err, "insert proposed_service")
		}
		for argPos, arg := range svc.Arguments {
			if err := tx.Create(&proposedServiceArgumentRow{CircuitID: circuitID, ServiceID: svc.ServiceID, Key: arg.Key, Value: arg.Value, Position: argPos}).Error; err != nil {
				return circuit.WrapInternal(err, "insert proposed_service_argument")
			}
		}
	}
	return nil
}

func (s *gormStore) FetchProposal(ctx context.Context, circuitID string) (circuit.Proposal, bool, error) {
	db := s.db.WithContext(ctx)
	var row circuitProposalRow
	err := db.First(&row, "circuit_id = ?", circuitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return circuit.Proposal{}, false, nil
	}
	if err != nil {
		return circuit.Proposal{}, false, circuit.WrapInternal(err, "fetch proposal")
	}
	p, err := assembleProposal(db, row)
	if err != nil {
		return circuit.Proposal{}, false, err
	}
	return p, true, nil
}

func assembleProposal(db *gorm.DB, row circuitProposalRow) (circuit.Proposal, error) {
	var proposedRow proposedCircuitRow
	if err := db.First(&proposedRow, "circuit_id = ?", row.CircuitID).Error; err != nil {
		return circuit.Proposal{}, circuit.WrapInternal(err, "load proposed_circuit")
	}
	var nodes []proposedNodeRow
	if err := db.Order("position").Find(&nodes, "circuit_id = ?", row.CircuitID).Error; err != nil {
		return circuit.Proposal{}, circuit.WrapInternal(err, "load proposed_node")
	}
	c := circuit.Circuit{
		CircuitID:             row.CircuitID,
		AuthorizationType:     circuit.AuthorizationType(proposedRow.AuthorizationType),
		Persistence:           circuit.Persistence(proposedRow.Persistence),
		Durability:            circuit.Durability(proposedRow.Durability),
		Routes:                circuit.RouteType(proposedRow.Routes),
		CircuitManagementType: proposedRow.ManagementType,
		DisplayName:           proposedRow.DisplayName,
		ApplicationMetadata:   proposedRow.ApplicationMetadata.Value,
		Comments:              proposedRow.Comments,
		CircuitVersion:        proposedRow.CircuitVersion,
		CircuitStatus:         circuit.CircuitActive,
	}
	for _, n := range nodes {
		var endpoints []proposedNodeEndpointRow
		if err := db.Order("position").Find(&endpoints, "circuit_id = ? AND node_id = ?", row.CircuitID, n.NodeID).Error; err != nil {
			return circuit.Proposal{}, circuit.WrapInternal(err, "load proposed_node_endpoint")
		}
		member := circuit.Member{NodeID: n.NodeID, PublicKey: n.PublicKey}
		for _, ep := range endpoints {
			member.Endpoints = append(member.Endpoints, ep.Endpoint)
		}
		c.Members = append(c.Members, member)
	}
	var services []proposedServiceRow
	if err := db.Order("position").Find(&services, "circuit_id = ?", row.CircuitID).Error; err != nil {
		return circuit.Proposal{}, circuit.WrapInternal(err, "load proposed_service")
	}
	for _, svcRow := range services {
		var args []proposedServiceArgumentRow
		if err := db.Order("position").Find(&args, "circuit_id = ? AND service_id = ?", row.CircuitID, svcRow.ServiceID).Error; err != nil {
			return circuit.Proposal{}, circuit.WrapInternal(err, "load proposed_service_argument")
		}
		svc := circuit.Service{ServiceID: svcRow.ServiceID, ServiceType: svcRow.ServiceType, NodeID: svcRow.NodeID}
		for _, a := range args {
			svc.Arguments = append(svc.Arguments, circuit.ServiceArgument{Key: a.Key, Value: a.Value})
		}
		c.Roster = append(c.Roster, svc)
	}
	var votes []voteRecordRow
	if err := db.Order("position").Find(&votes, "circuit_id = ?", row.CircuitID).Error; err != nil {
		return circuit.Proposal{}, circuit.WrapInternal(err, "load vote_record")
	}
	p := circuit.Proposal{
		CircuitID:       row.CircuitID,
		ProposalType:    circuit.ProposalType(row.ProposalType),
		Circuit:         c,
		CircuitHash:     row.CircuitHash,
		Requester:       row.Requester,
		RequesterNodeID: row.RequesterNodeID,
	}
	for _, v := range votes {
		p.Votes = append(p.Votes, circuit.VoteRecord{PublicKey: v.PublicKey, Vote: circuit.VoteChoice(v.Vote), VoterNodeID: v.VoterNodeID})
	}
	return p, nil
}

func (s *gormStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]circuit.Proposal, error) {
	db := s.db.WithContext(ctx)
	var rows []circuitProposalRow
	query := db.Model(&circuitProposalRow{})
	if filter.MemberNodeID != "" {
		query = query.Where("circuit_id IN (?)", db.Model(&proposedNodeRow{}).Select("circuit_id").Where("node_id = ?", filter.MemberNodeID))
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, circuit.WrapInternal(err, "list proposals")
	}
	out := make([]circuit.Proposal, 0, len(rows))
	for _, row := range rows {
		p, err := assembleProposal(db, row)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *gormStore) ApplyVote(ctx context.Context, circuitID string, vote circuit.VoteRecord) (circuit.Proposal, error) {
	var result circuit.Proposal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row circuitProposalRow
		if err := tx.First(&row, "circuit_id = ?", circuitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return circuit.NewInvalidState("no in-flight proposal for circuit %s", circuitID)
			}
			return circuit.WrapInternal(err, "fetch proposal for vote")
		}
		var existingVotes []voteRecordRow
		if err := tx.Find(&existingVotes, "circuit_id = ? AND voter_node_id = ?", circuitID, vote.VoterNodeID).Error; err != nil {
			return circuit.WrapInternal(err, "check existing vote")
		}
		if len(existingVotes) > 0 {
			return circuit.NewInvalidState("node %s has already voted on circuit %s", vote.VoterNodeID, circuitID)
		}
		var count int64
		if err := tx.Model(&voteRecordRow{}).Where("circuit_id = ?", circuitID).Count(&count).Error; err != nil {
			return circuit.WrapInternal(err, "count existing votes")
		}
		if err := tx.Create(&voteRecordRow{CircuitID: circuitID, VoterNodeID: vote.VoterNodeID, PublicKey: vote.PublicKey, Vote: string(vote.Vote), Position: int(count)}).Error; err != nil {
			return circuit.WrapInternal(err, "insert vote")
		}
		assembled, err := assembleProposal(tx, row)
		if err != nil {
			return err
		}
		result = assembled
		return nil
	})
	return result, err
}

func (s *gormStore) DeleteProposal(ctx context.Context, circuitID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteProposalTx(tx, circuitID)
	})
}

func deleteProposalTx(tx *gorm.DB, circuitID string) error {
	for _, model := range []any{&voteRecordRow{}, &proposedServiceArgumentRow{}, &proposedServiceRow{}, &proposedNodeEndpointRow{}, &proposedNodeRow{}, &proposedCircuitRow{}, &circuitProposalRow{}} {
		if err := tx.Where("circuit_id = ?", circuitID).Delete(model).Error; err != nil {
			return circuit.WrapInternal(err, "delete proposal row")
		}
	}
	return nil
}

func (s *gormStore) AcceptProposal(ctx context.Context, circuitID string, requesterPublicKey string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row circuitProposalRow
		if err := tx.First(&row, "circuit_id = ?", circuitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return circuit.NewInvalidState("no in-flight proposal for circuit %s", circuitID)
			}
			return circuit.WrapInternal(err, "fetch proposal for accept")
		}
		p, err := assembleProposal(tx, row)
		if err != nil {
			return err
		}
		if err := deleteProposalTx(tx, circuitID); err != nil {
			return err
		}
		switch p.ProposalType {
		case circuit.ProposalDisband:
			if err := tx.Model(&circuitRow{}).Where("circuit_id = ?", circuitID).Update("circuit_status", circuit.CircuitDisbanded.Code()).Error; err != nil {
				return circuit.WrapInternal(err, "mark circuit disbanded")
			}
		default:
			p.Circuit.CircuitStatus = circuit.CircuitActive
			if err := insertCircuitTx(tx, p.Circuit); err != nil {
				return err
			}
		}
		eventType := circuit.EventProposalAccepted
		if p.ProposalType == circuit.ProposalDisband {
			eventType = circuit.EventCircuitDisbanded
		}
		return appendEventTx(tx, circuit.AdminEvent{EventType: eventType, Proposal: p, Data: requesterPublicKey})
	})
}

func (s *gormStore) RejectProposal(ctx context.Context, circuitID string, requesterPublicKey string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row circuitProposalRow
		if err := tx.First(&row, "circuit_id = ?", circuitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return circuit.NewInvalidState("no in-flight proposal for circuit %s", circuitID)
			}
			return circuit.WrapInternal(err, "fetch proposal for reject")
		}
		p, err := assembleProposal(tx, row)
		if err != nil {
			return err
		}
		if err := deleteProposalTx(tx, circuitID); err != nil {
			return err
		}
		return appendEventTx(tx, circuit.AdminEvent{EventType: circuit.EventProposalRejected, Proposal: p, Data: requesterPublicKey})
	})
}

func (s *gormStore) AppendEvent(ctx context.Context, e circuit.AdminEvent) (uint64, error) {
	var id uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assigned, err := appendEventTx(tx, e)
		id = assigned
		return err
	})
	return id, err
}

func appendEventTx(tx *gorm.DB, e circuit.AdminEvent) (uint64, error) {
	row := adminServiceEventRow{
		EventType: string(e.EventType),
		Data:      e.Data,
		Proposal:  JSONColumn[circuit.Proposal]{Value: e.Proposal},
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, circuit.WrapInternal(err, "append admin event")
	}
	return row.ID, nil
}

func (s *gormStore) ListEventsSince(ctx context.Context, since uint64, eventType *circuit.EventType) ([]circuit.AdminEvent, error) {
	var rows []adminServiceEventRow
	query := s.db.WithContext(ctx).Where("id > ?", since).Order("id asc")
	if eventType != nil {
		query = query.Where("event_type = ?", string(*eventType))
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, circuit.WrapInternal(err, "list events since")
	}
	out := make([]circuit.AdminEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, circuit.AdminEvent{
			ID:        row.ID,
			EventType: circuit.EventType(row.EventType),
			Proposal:  row.Proposal.Value,
			Data:      row.Data,
		})
	}
	return out, nil
}
