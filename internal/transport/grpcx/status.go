package grpcx

import (
	"encoding/json"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
)

type statusDocument struct {
	Error *statusError `json:"error"`
}

type statusError struct {
	Code    string                   `json:"code"`
	Message string                   `json:"message"`
	Details []map[string]interface{} `json:"details,omitempty"`
}

// renderStatus formats a non-OK status as {"error":{"code","message","details"}}.
// Details that cannot be resolved are skipped.
func renderStatus(st *status.Status, files *protoregistry.Files) string {
	opts := protojson.MarshalOptions{Resolver: newResolver(files)}

	details := make([]map[string]interface{}, 0, len(st.Proto().GetDetails()))
	for _, detail := range st.Proto().GetDetails() {
		data, err := opts.Marshal(detail)
		if err != nil {
			continue
		}
		fields := map[string]interface{}{}
		if err := json.Unmarshal(data, &fields); err != nil {
			continue
		}
		delete(fields, "@type")
		details = append(details, fields)
	}

	doc := statusDocument{Error: &statusError{
		Code:    st.Code().String(),
		Message: st.Message(),
		Details: details,
	}}
	data, err := json.Marshal(doc)
	if err != nil {
		return err.Error()
	}
	return string(data)
}

// resolver prefers the types linked into the binary and falls back to the
// descriptors loaded for the project
type resolver struct {
	local *dynamicpb.Types
}

func newResolver(files *protoregistry.Files) *resolver {
	if files == nil {
		files = new(protoregistry.Files)
	}
	return &resolver{local: dynamicpb.NewTypes(files)}
}

func (r *resolver) FindMessageByName(name protoreflect.FullName) (protoreflect.MessageType, error) {
	if mt, err := protoregistry.GlobalTypes.FindMessageByName(name); err == nil {
		return mt, nil
	}
	return r.local.FindMessageByName(name)
}

func (r *resolver) FindMessageByURL(url string) (protoreflect.MessageType, error) {
	if mt, err := protoregistry.GlobalTypes.FindMessageByURL(url); err == nil {
		return mt, nil
	}
	return r.local.FindMessageByURL(url)
}

func (r *resolver) FindExtensionByName(name protoreflect.FullName) (protoreflect.ExtensionType, error) {
	if xt, err := protoregistry.GlobalTypes.FindExtensionByName(name); err == nil {
		return xt, nil
	}
	return r.local.FindExtensionByName(name)
}

func (r *resolver) FindExtensionByNumber(message protoreflect.FullName, field protoreflect.FieldNumber) (protoreflect.ExtensionType, error) {
	if xt, err := protoregistry.GlobalTypes.FindExtensionByNumber(message, field); err == nil {
		return xt, nil
	}
	return r.local.FindExtensionByNumber(message, field)
}
