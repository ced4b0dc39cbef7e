package grpcx

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// isProtoSource reports whether name is a .proto source rather than a
// compiled descriptor set
func isProtoSource(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".proto")
}

// compileProtos parses .proto sources and everything they import. Names are
// resolved against importPaths; an absolute name outside every import path
// is compiled from its own directory. The well-known types need no import path.
func compileProtos(ctx context.Context, importPaths, names []string) ([]*descriptorpb.FileDescriptorProto, error) {
	paths := slices.Clone(importPaths)
	rels := make([]string, 0, len(names))
	for _, name := range names {
		var rel string
		paths, rel = importRelative(paths, name)
		rels = append(rels, rel)
	}

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{ImportPaths: paths}),
	}
	files, err := compiler.Compile(ctx, rels...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	seen := map[string]bool{}
	var fdps []*descriptorpb.FileDescriptorProto
	var collect func(fd protoreflect.FileDescriptor)
	collect = func(fd protoreflect.FileDescriptor) {
		if seen[fd.Path()] {
			return
		}
		seen[fd.Path()] = true
		imports := fd.Imports()
		for i := 0; i < imports.Len(); i++ {
			collect(imports.Get(i).FileDescriptor)
		}
		fdps = append(fdps, protodesc.ToFileDescriptorProto(fd))
	}
	for _, fd := range files {
		collect(fd)
	}
	return fdps, nil
}

// importRelative turns name into a path relative to one of paths, adding
// the file's directory when no import path contains it
func importRelative(paths []string, name string) ([]string, string) {
	if !filepath.IsAbs(name) {
		return paths, filepath.ToSlash(name)
	}
	for _, dir := range paths {
		rel, err := filepath.Rel(dir, name)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return paths, filepath.ToSlash(rel)
		}
	}
	dir := filepath.Dir(name)
	if !slices.Contains(paths, dir) {
		paths = append(paths, dir)
	}
	return paths, filepath.Base(name)
}
