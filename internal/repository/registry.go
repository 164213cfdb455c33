package repository

import (
	"context"
	"fmt"
	"time"

	"taskpulse/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const gatewayPrefix = "/taskpulse/gateways/"

// GatewayRegistry announces this gateway instance in etcd under a leased key
// so the fleet is discoverable. The lease keepalive doubles as a liveness
// signal: a dead gateway's key expires on its own.
type GatewayRegistry struct {
	client  *clientv3.Client
	leaseID clientv3.LeaseID
	key     string
}

func NewGatewayRegistry(client *clientv3.Client) *GatewayRegistry {
	return &GatewayRegistry{client: client}
}

// Register writes the advertise address under a leased key and keeps the
// lease alive until ctx is cancelled.
func (r *GatewayRegistry) Register(ctx context.Context, instanceID, advertiseAddr string, ttl time.Duration) error {
	lease, err := r.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	r.leaseID = lease.ID
	r.key = gatewayPrefix + instanceID

	if _, err := r.client.Put(ctx, r.key, advertiseAddr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register gateway: %w", err)
	}

	keepalive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("lease keepalive: %w", err)
	}
	go func() {
		for range keepalive {
			// drain keepalive acks; channel closes when ctx is done
		}
		logger.Warn("gateway registry keepalive stopped", zap.String("key", r.key))
	}()

	logger.Info("gateway registered",
		zap.String("key", r.key),
		zap.String("addr", advertiseAddr))
	return nil
}

// Deregister removes this instance's key and revokes the lease.
func (r *GatewayRegistry) Deregister(ctx context.Context) error {
	if r.key == "" {
		return nil
	}
	if _, err := r.client.Delete(ctx, r.key); err != nil {
		return err
	}
	if r.leaseID != 0 {
		if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
			return err
		}
	}
	return nil
}

// Gateways lists the currently registered gateway addresses.
func (r *GatewayRegistry) Gateways(ctx context.Context) (map[string]string, error) {
	resp, err := r.client.Get(ctx, gatewayPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key[len(gatewayPrefix):])] = string(kv.Value)
	}
	return out, nil
}
