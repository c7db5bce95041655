package model

import (
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeepHexlify normalises a response payload so every numeric or byte
// value comes out as a 0x-prefixed hex string. It walks a well-defined
// value set (scalars, maps, slices, exported struct fields) and is
// idempotent: hexlifying an already-hexlified payload is the identity.
func DeepHexlify(obj interface{}) interface{} {
	switch v := obj.(type) {
	case nil:
		return nil
	case string:
		return v
	case bool:
		return v
	case *big.Int:
		if v == nil {
			return nil
		}
		return hexutil.EncodeBig(v)
	case big.Int:
		return hexutil.EncodeBig(&v)
	case []byte:
		return hexutil.Encode(v)
	case hexutil.Bytes:
		return hexutil.Encode(v)
	case hexutil.Big:
		return v.String()
	case *hexutil.Big:
		if v == nil {
			return nil
		}
		return v.String()
	case common.Address:
		return v.Hex()
	case *common.Address:
		if v == nil {
			return nil
		}
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case uint64:
		return hexutil.EncodeUint64(v)
	case uint:
		return hexutil.EncodeUint64(uint64(v))
	case int:
		return hexutil.EncodeUint64(uint64(v))
	case int64:
		return hexutil.EncodeUint64(uint64(v))
	case float64:
		// JSON round-trips land numbers here
		return hexutil.EncodeUint64(uint64(v))
	}

	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return DeepHexlify(rv.Elem().Interface())
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = DeepHexlify(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = DeepHexlify(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Tag.Get("json")
			if idx := strings.Index(name, ","); idx >= 0 {
				name = name[:idx]
			}
			if name == "-" {
				continue
			}
			if name == "" {
				name = field.Name
			}
			out[name] = DeepHexlify(rv.Field(i).Interface())
		}
		return out
	}

	return obj
}
