package grpcx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	"protodesk/internal/state"
)

var ErrNoServices = errors.New("no services found")

// schema is a resolved descriptor set together with the services it offers
type schema struct {
	files    *protoregistry.Files
	services []protoreflect.FullName
}

// loadSchema builds a schema from .proto sources and binary
// FileDescriptorSet files. Relative protoset paths are tried against each
// import path in order.
func loadSchema(ctx context.Context, importPaths, schemaFiles []string) (*schema, error) {
	var sets, sources []string
	for _, name := range schemaFiles {
		if isProtoSource(name) {
			sources = append(sources, name)
		} else {
			sets = append(sets, name)
		}
	}

	var all []*descriptorpb.FileDescriptorProto
	if len(sources) > 0 {
		compiled, err := compileProtos(ctx, importPaths, sources)
		if err != nil {
			return nil, err
		}
		all = append(all, compiled...)
	}
	for _, name := range sets {
		set, err := readProtoset(importPaths, name)
		if err != nil {
			return nil, err
		}
		all = append(all, set...)
	}

	files, err := buildFiles(all)
	if err != nil {
		return nil, err
	}

	var services []protoreflect.FullName
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		for i := 0; i < fd.Services().Len(); i++ {
			services = append(services, fd.Services().Get(i).FullName())
		}
		return true
	})
	return &schema{files: files, services: services}, nil
}

func readProtoset(importPaths []string, name string) ([]*descriptorpb.FileDescriptorProto, error) {
	path, err := resolvePath(importPaths, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%s is not a descriptor set: %w", filepath.Base(path), err)
	}
	return set.GetFile(), nil
}

func resolvePath(importPaths []string, name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range importPaths {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	return "", fmt.Errorf("schema file %s not found in import paths", name)
}

// buildFiles links file descriptor protos in dependency order. Dependencies
// missing from fdps are taken from the well-known types linked into the binary.
func buildFiles(fdps []*descriptorpb.FileDescriptorProto) (*protoregistry.Files, error) {
	byName := make(map[string]*descriptorpb.FileDescriptorProto, len(fdps))
	for _, fdp := range fdps {
		byName[fdp.GetName()] = fdp
	}

	files := new(protoregistry.Files)
	var add func(name string) error
	add = func(name string) error {
		if _, err := files.FindFileByPath(name); err == nil {
			return nil
		}
		fdp, ok := byName[name]
		if !ok {
			fd, err := protoregistry.GlobalFiles.FindFileByPath(name)
			if err != nil {
				return fmt.Errorf("missing dependency %s", name)
			}
			return files.RegisterFile(fd)
		}
		for _, dep := range fdp.GetDependency() {
			if err := add(dep); err != nil {
				return err
			}
		}
		fd, err := protodesc.NewFile(fdp, files)
		if err != nil {
			return fmt.Errorf("failed to link %s: %w", name, err)
		}
		return files.RegisterFile(fd)
	}

	for _, fdp := range fdps {
		if err := add(fdp.GetName()); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// reflectSchema asks the server for its services and the files declaring them
func reflectSchema(ctx context.Context, client rpb.ServerReflectionClient) (*schema, error) {
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open reflection stream: %w", err)
	}
	defer stream.CloseSend()

	resp, err := roundTrip(stream, &rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{ListServices: "*"},
	})
	if err != nil {
		return nil, err
	}
	var services []protoreflect.FullName
	for _, svc := range resp.GetListServicesResponse().GetService() {
		name := svc.GetName()
		if strings.HasPrefix(name, "grpc.reflection.") {
			continue
		}
		services = append(services, protoreflect.FullName(name))
	}
	if len(services) == 0 {
		return nil, ErrNoServices
	}

	seen := map[string]bool{}
	var fdps []*descriptorpb.FileDescriptorProto
	for _, svc := range services {
		resp, err := roundTrip(stream, &rpb.ServerReflectionRequest{
			MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: string(svc)},
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.GetFileDescriptorResponse().GetFileDescriptorProto() {
			var fdp descriptorpb.FileDescriptorProto
			if err := proto.Unmarshal(raw, &fdp); err != nil {
				return nil, fmt.Errorf("failed to decode reflected file: %w", err)
			}
			if seen[fdp.GetName()] {
				continue
			}
			seen[fdp.GetName()] = true
			fdps = append(fdps, &fdp)
		}
	}

	files, err := buildFiles(fdps)
	if err != nil {
		return nil, err
	}
	return &schema{files: files, services: services}, nil
}

func roundTrip(stream rpb.ServerReflection_ServerReflectionInfoClient, req *rpb.ServerReflectionRequest) (*rpb.ServerReflectionResponse, error) {
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("reflection send: %w", err)
	}
	resp, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("reflection stream closed by server")
	}
	if err != nil {
		return nil, fmt.Errorf("reflection receive: %w", err)
	}
	if e := resp.GetErrorResponse(); e != nil {
		return nil, fmt.Errorf("reflection error %d: %s", e.GetErrorCode(), e.GetErrorMessage())
	}
	return resp, nil
}

// nodes renders the file -> service -> method tree. Only methods are selectable.
func (s *schema) nodes() []state.Node {
	byFile := map[string]*state.Node{}
	var order []string

	services := slices.Clone(s.services)
	slices.Sort(services)
	for _, name := range services {
		d, err := s.files.FindDescriptorByName(name)
		if err != nil {
			continue
		}
		sd, ok := d.(protoreflect.ServiceDescriptor)
		if !ok {
			continue
		}

		path := sd.ParentFile().Path()
		file, ok := byFile[path]
		if !ok {
			file = &state.Node{ID: path, Label: path, Children: []state.Node{}}
			byFile[path] = file
			order = append(order, path)
		}

		svc := state.Node{ID: string(sd.FullName()), Label: string(sd.Name()), Children: []state.Node{}}
		methods := sd.Methods()
		for i := 0; i < methods.Len(); i++ {
			md := methods.Get(i)
			svc.Children = append(svc.Children, state.Node{
				ID:         string(md.FullName()),
				Label:      string(md.Name()),
				Selectable: true,
				Children:   []state.Node{},
			})
		}
		file.Children = append(file.Children, svc)
	}

	slices.Sort(order)
	out := make([]state.Node, 0, len(order))
	for _, path := range order {
		out = append(out, *byFile[path])
	}
	return out
}

// method looks up a fully qualified method name such as pkg.Service.Method
func (s *schema) method(operationID string) (protoreflect.MethodDescriptor, error) {
	if operationID == "" {
		return nil, errors.New("no operation selected")
	}
	d, err := s.files.FindDescriptorByName(protoreflect.FullName(operationID))
	if err != nil {
		return nil, fmt.Errorf("operation %s not found: %w", operationID, err)
	}
	md, ok := d.(protoreflect.MethodDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a method", operationID)
	}
	return md, nil
}
