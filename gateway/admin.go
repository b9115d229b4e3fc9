package gateway

import (
	"context"

	"github.com/sirupsen/logrus"

	"sms-interchange/connector"
	"sms-interchange/routing"
)

// LoadRoutingTable atomically replaces the live routing table and returns its version.
func (g *Gateway) LoadRoutingTable(t *routing.Table) (uint64, error) {
	v, err := g.router.Load(t)
	if err != nil {
		g.log("Admin.LoadRoutingTable", "RoutingTableRejected", logrus.WarnLevel, nil, err)
		return 0, err
	}
	g.log("Admin.LoadRoutingTable", "RoutingTableLoaded", logrus.InfoLevel, map[string]interface{}{
		"version": v, "routes": t.Len(),
	}, nil)
	return v, nil
}

// LoadRoutingYAML parses and installs a table. The live table is kept when parsing fails.
func (g *Gateway) LoadRoutingYAML(data []byte) (uint64, error) {
	t, err := routing.ParseTable(data)
	if err != nil {
		g.log("Admin.LoadRoutingTable", "RoutingTableRejected", logrus.WarnLevel, nil, err)
		return 0, err
	}
	return g.LoadRoutingTable(t)
}

func (g *Gateway) StartConnector(id string) error {
	return g.connectors.Start(id)
}

func (g *Gateway) StopConnector(id string) error {
	return g.connectors.Stop(id)
}

func (g *Gateway) ConnectorStatus(id string) (connector.Status, error) {
	return g.connectors.Status(id)
}

func (g *Gateway) ConnectorConfig(id string) (connector.Config, error) {
	return g.connectors.Config(id)
}

func (g *Gateway) ListConnectors() []connector.Status {
	return g.connectors.List()
}

// QueueDepth reports the items waiting on a broker topic, delayed retries included.
func (g *Gateway) QueueDepth(ctx context.Context, topic string) (int, error) {
	return g.broker.Depth(ctx, topic)
}

// Shutdown stops every connector.
func (g *Gateway) Shutdown() {
	g.connectors.Shutdown()
}
