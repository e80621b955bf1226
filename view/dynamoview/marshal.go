package dynamoview

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dogmatiq/viewfeed/view"
)

func marshalSeq(seq uint64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{
		Value: strconv.FormatUint(seq, 10),
	}
}

func marshalEntry(
	id view.Identity,
	viewName string,
	e view.Entry,
) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		partitionAttr: viewPartition(id, viewName),
		seqAttr:       marshalSeq(e.Seq),
		docIDAttr:     &types.AttributeValueMemberS{Value: e.DocID},
		removedAttr:   &types.AttributeValueMemberBOOL{Value: e.Removed},
	}

	if e.Key != nil {
		item[keyAttr] = &types.AttributeValueMemberB{Value: e.Key}
	}

	if e.Value != nil {
		item[valueAttr] = &types.AttributeValueMemberB{Value: e.Value}
	}

	return item
}

func unmarshalEntry(item map[string]types.AttributeValue) (view.Entry, error) {
	var e view.Entry

	seq, err := getAttr[*types.AttributeValueMemberN](item, seqAttr)
	if err != nil {
		return view.Entry{}, err
	}

	e.Seq, err = strconv.ParseUint(seq.Value, 10, 64)
	if err != nil {
		return view.Entry{}, fmt.Errorf("item is corrupt: invalid sequence number: %w", err)
	}

	docID, err := getAttr[*types.AttributeValueMemberS](item, docIDAttr)
	if err != nil {
		return view.Entry{}, err
	}
	e.DocID = docID.Value

	removed, err := getAttr[*types.AttributeValueMemberBOOL](item, removedAttr)
	if err != nil {
		return view.Entry{}, err
	}
	e.Removed = removed.Value

	if k, ok, err := getOptionalAttr[*types.AttributeValueMemberB](item, keyAttr); err != nil {
		return view.Entry{}, err
	} else if ok {
		e.Key = k.Value
	}

	if v, ok, err := getOptionalAttr[*types.AttributeValueMemberB](item, valueAttr); err != nil {
		return view.Entry{}, err
	} else if ok {
		e.Value = v.Value
	}

	return e, nil
}

func getAttr[T types.AttributeValue](
	item map[string]types.AttributeValue,
	name string,
) (v T, err error) {
	v, ok, err := getOptionalAttr[T](item, name)
	if err != nil {
		return v, err
	}

	if !ok {
		return v, fmt.Errorf("item is corrupt: missing %q attribute", name)
	}

	return v, nil
}

func getOptionalAttr[T types.AttributeValue](
	item map[string]types.AttributeValue,
	name string,
) (v T, ok bool, err error) {
	a, ok := item[name]
	if !ok {
		return v, false, nil
	}

	v, ok = a.(T)
	if !ok {
		return v, false, fmt.Errorf(
			"item is corrupt: %q attribute should be %s not %s",
			name,
			reflect.TypeOf(v).Elem().Name(),
			reflect.TypeOf(a).Elem().Name(),
		)
	}

	return v, true, nil
}
