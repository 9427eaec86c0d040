package onnx

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The messages below mirror onnx.proto (proto2, package onnx) for the
// fields this package reads or writes. Field numbers and types must stay
// identical to the upstream file; anything else on the wire is unknown
// and dropped on decode.

type fieldSpec struct {
	name     string
	number   int32
	kind     descriptorpb.FieldDescriptorProto_Type
	typeName string
	repeated bool
	packed   bool
}

func scalar(name string, number int32, kind descriptorpb.FieldDescriptorProto_Type) fieldSpec {
	return fieldSpec{name: name, number: number, kind: kind}
}

func repeated(name string, number int32, kind descriptorpb.FieldDescriptorProto_Type) fieldSpec {
	return fieldSpec{name: name, number: number, kind: kind, repeated: true}
}

func message(name string, number int32, typeName string, isRepeated bool) fieldSpec {
	return fieldSpec{
		name:     name,
		number:   number,
		kind:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE,
		typeName: ".onnx." + typeName,
		repeated: isRepeated,
	}
}

func messageType(name string, fields ...fieldSpec) *descriptorpb.DescriptorProto {
	d := &descriptorpb.DescriptorProto{Name: proto.String(name)}
	for _, f := range fields {
		label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		if f.repeated {
			label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		}
		fd := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.name),
			Number: proto.Int32(f.number),
			Label:  label.Enum(),
			Type:   f.kind.Enum(),
		}
		if f.typeName != "" {
			fd.TypeName = proto.String(f.typeName)
		}
		if f.packed {
			fd.Options = &descriptorpb.FieldOptions{Packed: proto.Bool(true)}
		}
		d.Field = append(d.Field, fd)
	}
	return d
}

const (
	typeInt32  = descriptorpb.FieldDescriptorProto_TYPE_INT32
	typeInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
	typeFloat  = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
)

func schemaFile() *descriptorpb.FileDescriptorProto {
	floatData := repeated("float_data", 4, typeFloat)
	floatData.packed = true

	typeProto := messageType("TypeProto",
		message("tensor_type", 1, "TypeProto.Tensor", false),
	)
	typeProto.NestedType = []*descriptorpb.DescriptorProto{
		messageType("Tensor",
			scalar("elem_type", 1, typeInt32),
			message("shape", 2, "TensorShapeProto", false),
		),
	}

	shapeProto := messageType("TensorShapeProto",
		message("dim", 1, "TensorShapeProto.Dimension", true),
	)
	shapeProto.NestedType = []*descriptorpb.DescriptorProto{
		messageType("Dimension",
			scalar("dim_value", 1, typeInt64),
			scalar("dim_param", 2, typeString),
		),
	}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("onnx/onnx.proto"),
		Package: proto.String("onnx"),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{
			messageType("AttributeProto",
				scalar("name", 1, typeString),
				scalar("f", 2, typeFloat),
				scalar("i", 3, typeInt64),
				repeated("ints", 8, typeInt64),
				scalar("type", 20, typeInt32),
			),
			messageType("ValueInfoProto",
				scalar("name", 1, typeString),
				message("type", 2, "TypeProto", false),
			),
			messageType("NodeProto",
				repeated("input", 1, typeString),
				repeated("output", 2, typeString),
				scalar("name", 3, typeString),
				scalar("op_type", 4, typeString),
				message("attribute", 5, "AttributeProto", true),
				scalar("domain", 7, typeString),
			),
			messageType("ModelProto",
				scalar("ir_version", 1, typeInt64),
				scalar("producer_name", 2, typeString),
				scalar("producer_version", 3, typeString),
				scalar("domain", 4, typeString),
				scalar("model_version", 5, typeInt64),
				scalar("doc_string", 6, typeString),
				message("graph", 7, "GraphProto", false),
				message("opset_import", 8, "OperatorSetIdProto", true),
				message("metadata_props", 14, "StringStringEntryProto", true),
			),
			messageType("StringStringEntryProto",
				scalar("key", 1, typeString),
				scalar("value", 2, typeString),
			),
			messageType("GraphProto",
				message("node", 1, "NodeProto", true),
				scalar("name", 2, typeString),
				message("initializer", 5, "TensorProto", true),
				scalar("doc_string", 10, typeString),
				message("input", 11, "ValueInfoProto", true),
				message("output", 12, "ValueInfoProto", true),
			),
			messageType("TensorProto",
				repeated("dims", 1, typeInt64),
				scalar("data_type", 2, typeInt32),
				floatData,
				scalar("name", 8, typeString),
				scalar("raw_data", 9, typeBytes),
			),
			typeProto,
			shapeProto,
			messageType("OperatorSetIdProto",
				scalar("domain", 1, typeString),
				scalar("version", 2, typeInt64),
			),
		},
	}
}

var modelDesc, tensorDesc protoreflect.MessageDescriptor

func init() {
	fd, err := protodesc.NewFile(schemaFile(), new(protoregistry.Files))
	if err != nil {
		panic("onnx: invalid schema: " + err.Error())
	}
	modelDesc = fd.Messages().ByName("ModelProto")
	tensorDesc = fd.Messages().ByName("TensorProto")
}
