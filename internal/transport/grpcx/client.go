// Package grpcx invokes unary gRPC methods described only at runtime, by
// .proto sources, protoset files or server reflection.
package grpcx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"

	"protodesk/internal/request"
	"protodesk/internal/state"
)

var ErrStreamingMethod = errors.New("streaming methods are not supported")

const defaultReflectTimeout = 5 * time.Second

type callKey struct {
	projectID string
	formID    string
}

// Client is a request.Invoker and a descriptor source for gRPC projects
type Client struct {
	logger         *slog.Logger
	reflectTimeout time.Duration

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	cancels map[callKey]context.CancelFunc
	schemas map[string]*schema
}

// NewClient creates a Client. A non-positive reflectTimeout uses the default.
func NewClient(logger *slog.Logger, reflectTimeout time.Duration) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if reflectTimeout <= 0 {
		reflectTimeout = defaultReflectTimeout
	}
	return &Client{
		logger:         logger,
		reflectTimeout: reflectTimeout,
		conns:          make(map[string]*grpc.ClientConn),
		cancels:        make(map[callKey]context.CancelFunc),
		schemas:        make(map[string]*schema),
	}
}

// Invoke sends one unary request. Non-OK statuses returned by the server are
// rendered as a JSON error document and are not an error.
func (c *Client) Invoke(ctx context.Context, inv request.Invocation) (string, error) {
	sch, err := c.schemaFor(ctx, inv.Address, inv.ImportPaths, inv.SchemaFiles)
	if err != nil {
		return "", err
	}
	md, err := sch.method(inv.OperationID)
	if err != nil {
		return "", err
	}
	if md.IsStreamingClient() || md.IsStreamingServer() {
		return "", fmt.Errorf("%s: %w", inv.OperationID, ErrStreamingMethod)
	}

	in := dynamicpb.NewMessage(md.Input())
	payload := strings.TrimSpace(inv.Payload)
	if payload == "" {
		payload = "{}"
	}
	if err := protojson.Unmarshal([]byte(payload), in); err != nil {
		return "", fmt.Errorf("failed to parse request payload: %w", err)
	}

	conn, err := c.conn(inv.Address)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithCancel(ctx)
	key := callKey{inv.ProjectID, inv.FormID}
	c.mu.Lock()
	c.cancels[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, key)
		c.mu.Unlock()
		cancel()
	}()

	callCtx = metadata.NewOutgoingContext(callCtx, headerMetadata(inv.Headers))
	out := dynamicpb.NewMessage(md.Output())
	fullMethod := fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())

	err = conn.Invoke(callCtx, fullMethod, in, out)
	if err != nil {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			// a deadline set by the caller wins over the local cancel
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ctxErr
		}
		if st, ok := status.FromError(err); ok {
			return renderStatus(st, sch.files), nil
		}
		return "", err
	}

	data, err := protojson.MarshalOptions{EmitUnpopulated: true, UseProtoNames: true}.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("cannot parse the response: %w", err)
	}
	return string(data), nil
}

// Cancel aborts the form's outstanding call, if any
func (c *Client) Cancel(_ context.Context, projectID, formID string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[callKey{projectID, formID}]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Build compiles .proto sources and loads protoset files, then returns
// their descriptor tree
func (c *Client) Build(ctx context.Context, importPaths, schemaFiles []string) ([]state.Node, error) {
	sch, err := loadSchema(ctx, importPaths, schemaFiles)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.schemas[filesKey(importPaths, schemaFiles)] = sch
	c.mu.Unlock()
	return sch.nodes(), nil
}

// Reflect asks the server at address for its descriptor tree
func (c *Client) Reflect(ctx context.Context, address string) ([]state.Node, error) {
	sch, err := c.reflect(ctx, address)
	if err != nil {
		return nil, err
	}
	return sch.nodes(), nil
}

// Close closes every cached connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

func (c *Client) schemaFor(ctx context.Context, address string, importPaths, schemaFiles []string) (*schema, error) {
	if len(schemaFiles) == 0 {
		c.mu.Lock()
		sch, ok := c.schemas[reflectKey(address)]
		c.mu.Unlock()
		if ok {
			return sch, nil
		}
		return c.reflect(ctx, address)
	}

	key := filesKey(importPaths, schemaFiles)
	c.mu.Lock()
	sch, ok := c.schemas[key]
	c.mu.Unlock()
	if ok {
		return sch, nil
	}
	sch, err := loadSchema(ctx, importPaths, schemaFiles)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.schemas[key] = sch
	c.mu.Unlock()
	return sch, nil
}

func (c *Client) reflect(ctx context.Context, address string) (*schema, error) {
	conn, err := c.conn(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.reflectTimeout)
	defer cancel()

	sch, err := reflectSchema(ctx, rpb.NewServerReflectionClient(conn))
	if err != nil {
		return nil, fmt.Errorf("reflect %s: %w", address, err)
	}
	c.mu.Lock()
	c.schemas[reflectKey(address)] = sch
	c.mu.Unlock()
	c.logger.Info("reflected server", "address", address, "services", len(sch.services))
	return sch, nil
}

func (c *Client) conn(address string) (*grpc.ClientConn, error) {
	if address == "" {
		return nil, errors.New("no address")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to establish grpc connection: %w", err)
	}
	c.conns[address] = conn
	return conn, nil
}

func headerMetadata(headers []state.Header) metadata.MD {
	md := metadata.MD{}
	for _, h := range headers {
		k := strings.TrimSpace(h.Key)
		if k == "" {
			continue
		}
		md.Append(k, h.Value)
	}
	return md
}

func filesKey(importPaths, files []string) string {
	return "files:" + strings.Join(importPaths, "\x00") + "\x01" + strings.Join(files, "\x00")
}

func reflectKey(address string) string {
	return "reflect:" + address
}
