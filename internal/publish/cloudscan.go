package publish

import (
	"context"
	"fmt"
	"sync"

	"fortio.org/safecast"
	pb "github.com/cloud-scan/cloudscan-orchestrator/generated/proto"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// CloudScan forwards results to a CloudScan orchestrator over gRPC. Findings
// are created once per file and key; a rescan only sends the ones the
// orchestrator has not seen. The scan's total follows the current results of
// the files still published.
type CloudScan struct {
	conn   *grpc.ClientConn
	client pb.ScanServiceClient
	scanID uuid.UUID
	logger *log.Entry

	mu     sync.Mutex
	counts map[string]int
	// sent survives Clear: the orchestrator has no call to delete findings
	sent map[string]map[finding.Key]bool
}

// NewCloudScan creates a new orchestrator publisher
func NewCloudScan(endpoint string, scanID uuid.UUID) (*CloudScan, error) {
	logger := log.WithField("component", "cloudscan-publisher")
	logger.WithField("endpoint", endpoint).Info("Connecting to orchestrator")

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator: %w", err)
	}

	return newCloudScan(conn, pb.NewScanServiceClient(conn), scanID, logger), nil
}

func newCloudScan(conn *grpc.ClientConn, client pb.ScanServiceClient, scanID uuid.UUID, logger *log.Entry) *CloudScan {
	return &CloudScan{
		conn:   conn,
		client: client,
		scanID: scanID,
		logger: logger,
		counts: make(map[string]int),
		sent:   make(map[string]map[finding.Key]bool),
	}
}

// Publish creates the findings of a result not sent before for the file and
// updates the scan total
func (c *CloudScan) Publish(ctx context.Context, fileID string, result *finding.ScanResult) error {
	c.mu.Lock()
	sent := c.sent[fileID]
	var keys []finding.Key
	findings := make([]*pb.Finding, 0, len(result.Findings))
	for _, f := range result.Findings {
		if sent[f.Key()] {
			continue
		}
		pf, err := toProto(result.Path, f)
		if err != nil {
			c.logger.WithError(err).Warn("Skipping finding that cannot be encoded")
			continue
		}
		findings = append(findings, pf)
		keys = append(keys, f.Key())
	}
	c.mu.Unlock()

	c.logger.WithFields(log.Fields{
		"scan_id": c.scanID,
		"file_id": fileID,
		"count":   len(findings),
		"known":   len(result.Findings) - len(findings),
	}).Debug("Creating findings")

	if len(findings) > 0 {
		resp, err := c.client.CreateFindings(ctx, &pb.CreateFindingsRequest{
			ScanId:   c.scanID.String(),
			Findings: findings,
		})
		if err != nil {
			c.logger.WithError(err).Error("Failed to create findings")
			return fmt.Errorf("failed to create findings: %w", err)
		}
		c.logger.WithField("created_count", resp.CreatedCount).Debug("Findings created successfully")

		c.mu.Lock()
		if c.sent[fileID] == nil {
			c.sent[fileID] = make(map[finding.Key]bool, len(keys))
		}
		for _, k := range keys {
			c.sent[fileID][k] = true
		}
		c.mu.Unlock()
	}

	return c.updateCount(ctx, func(counts map[string]int) {
		counts[fileID] = len(result.Findings)
	})
}

// Clear drops the file from the scan's total
func (c *CloudScan) Clear(ctx context.Context, fileID string) error {
	return c.updateCount(ctx, func(counts map[string]int) {
		delete(counts, fileID)
	})
}

// updateCount applies mutate and sends the new total findings count
func (c *CloudScan) updateCount(ctx context.Context, mutate func(map[string]int)) error {
	c.mu.Lock()
	mutate(c.counts)
	total := 0
	for _, n := range c.counts {
		total += n
	}
	c.mu.Unlock()

	count, err := safecast.Conv[int32](total)
	if err != nil {
		return fmt.Errorf("findings count out of range: %w", err)
	}

	_, err = c.client.UpdateScan(ctx, &pb.UpdateScanRequest{
		Id:            c.scanID.String(),
		TotalFindings: count,
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to update findings count")
		return fmt.Errorf("failed to update findings count: %w", err)
	}
	return nil
}

// Close closes the gRPC connection
func (c *CloudScan) Close() error {
	c.logger.Info("Closing orchestrator connection")
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func toProto(path string, f finding.Finding) (*pb.Finding, error) {
	line, err := safecast.Conv[int32](f.Line + 1)
	if err != nil {
		return nil, err
	}
	scanType := pb.ScanType_SAST
	if f.Tool == finding.ToolTrufflehog {
		scanType = pb.ScanType_SECRETS
	}
	return &pb.Finding{
		ScanType:    scanType,
		Severity:    mapSeverity(f.Severity),
		Title:       fmt.Sprintf("%s/%s", f.Tool, f.RuleID),
		Description: f.Message,
		FilePath:    path,
		LineNumber:  line,
	}, nil
}

// mapSeverity maps normalized severity to proto severity
func mapSeverity(s finding.Severity) pb.Severity {
	switch s {
	case finding.SeverityError:
		return pb.Severity_HIGH
	case finding.SeverityWarning:
		return pb.Severity_MEDIUM
	default:
		return pb.Severity_LOW
	}
}
