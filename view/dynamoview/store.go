package dynamoview

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dogmatiq/viewfeed/internal/awsx"
	"github.com/dogmatiq/viewfeed/view"
)

// Store is an implementation of [view.Executor] that stores view entries in a
// DynamoDB table.
//
// Each view is a partition of the table, sorted by sequence number. Each index
// also has a metadata item that records its update sequence and the names of
// its views.
type Store struct {
	// Client is the DynamoDB client to use.
	Client *dynamodb.Client

	// Table is the name of the table, as created by [CreateTable].
	Table string

	// Publisher, if non-nil, receives a lifecycle event each time an index is
	// updated or deleted.
	Publisher view.Publisher

	// DecorateGetItem is an optional function that is called before each
	// DynamoDB "GetItem" request.
	//
	// It may modify the API input in-place. It returns options that will be
	// applied to the request.
	DecorateGetItem func(*dynamodb.GetItemInput) []func(*dynamodb.Options)

	// DecorateQuery is an optional function that is called before each DynamoDB
	// "Query" request.
	//
	// It may modify the API input in-place. It returns options that will be
	// applied to the request.
	DecorateQuery func(*dynamodb.QueryInput) []func(*dynamodb.Options)

	// DecoratePutItem is an optional function that is called before each
	// DynamoDB "PutItem" request.
	//
	// It may modify the API input in-place. It returns options that will be
	// applied to the request.
	DecoratePutItem func(*dynamodb.PutItemInput) []func(*dynamodb.Options)

	// DecorateUpdateItem is an optional function that is called before each
	// DynamoDB "UpdateItem" request.
	//
	// It may modify the API input in-place. It returns options that will be
	// applied to the request.
	DecorateUpdateItem func(*dynamodb.UpdateItemInput) []func(*dynamodb.Options)

	// DecorateDeleteItem is an optional function that is called before each
	// DynamoDB "DeleteItem" request.
	//
	// It may modify the API input in-place. It returns options that will be
	// applied to the request.
	DecorateDeleteItem func(*dynamodb.DeleteItemInput) []func(*dynamodb.Options)
}

var _ view.Executor = (*Store)(nil)

const (
	partitionAttr = "Partition"
	seqAttr       = "Seq"
	docIDAttr     = "DocID"
	keyAttr       = "Key"
	valueAttr     = "Value"
	removedAttr   = "Removed"
	updateSeqAttr = "UpdateSeq"
	viewsAttr     = "Views"
)

// metadata is the metadata item of an index.
type metadata struct {
	UpdateSeq uint64
	Views     []string
}

// QueryChanges calls fn for each entry in the view whose sequence number is
// greater than q.Since, in ascending sequence order.
func (s *Store) QueryChanges(
	ctx context.Context,
	q view.Query,
	fn view.EntryFunc,
) error {
	if err := q.Options.Validate(); err != nil {
		return err
	}

	if _, ok, err := s.metadata(ctx, q.Identity); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", q.Identity, view.ErrIndexNotFound)
	}

	n := 0

	return s.rangeView(
		ctx,
		q.Identity,
		q.View,
		q.Since,
		func(e view.Entry) bool {
			if !q.Options.Match(e.Key) {
				return true
			}

			if q.Options.Limit > 0 && n == q.Options.Limit {
				return false
			}
			n++

			return fn(ctx, e) == view.Continue
		},
	)
}

// CreateIndex creates an empty index if it does not already exist.
func (s *Store) CreateIndex(ctx context.Context, id view.Identity) error {
	_, err := awsx.Do(
		ctx,
		s.Client.PutItem,
		s.DecoratePutItem,
		&dynamodb.PutItemInput{
			TableName:           aws.String(s.Table),
			ConditionExpression: aws.String(`attribute_not_exists(#P)`),
			ExpressionAttributeNames: map[string]string{
				"#P": partitionAttr,
			},
			Item: map[string]types.AttributeValue{
				partitionAttr: indexPartition(id),
				seqAttr:       marshalSeq(0),
				updateSeqAttr: marshalSeq(0),
			},
		},
	)

	if errors.As(err, new(*types.ConditionalCheckFailedException)) {
		return nil
	}

	return err
}

// PutEntries adds entries to a view, creating the index if necessary.
//
// Sequence numbers must be strictly increasing, and greater than the update
// sequence of the index. Earlier entries for the same document are retained,
// so a query may visit more than one entry per document.
func (s *Store) PutEntries(
	ctx context.Context,
	id view.Identity,
	viewName string,
	entries ...view.Entry,
) error {
	if len(entries) == 0 {
		return nil
	}

	var seq uint64
	for _, e := range entries {
		if e.Seq <= seq {
			return fmt.Errorf(
				"%s/%s: entry sequence %d must be greater than %d",
				id,
				viewName,
				e.Seq,
				seq,
			)
		}
		seq = e.Seq
	}

	first := entries[0].Seq

	if _, err := awsx.Do(
		ctx,
		s.Client.UpdateItem,
		s.DecorateUpdateItem,
		&dynamodb.UpdateItemInput{
			TableName: aws.String(s.Table),
			Key: map[string]types.AttributeValue{
				partitionAttr: indexPartition(id),
				seqAttr:       marshalSeq(0),
			},
			ConditionExpression: aws.String(`attribute_not_exists(#U) OR #U < :F`),
			UpdateExpression:    aws.String(`SET #U = :U ADD #V :V`),
			ExpressionAttributeNames: map[string]string{
				"#U": updateSeqAttr,
				"#V": viewsAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":F": marshalSeq(first),
				":U": marshalSeq(seq),
				":V": &types.AttributeValueMemberSS{Value: []string{viewName}},
			},
		},
	); err != nil {
		if errors.As(err, new(*types.ConditionalCheckFailedException)) {
			return fmt.Errorf(
				"%s/%s: entry sequence %d must be greater than the index's update sequence",
				id,
				viewName,
				first,
			)
		}
		return err
	}

	for _, e := range entries {
		if _, err := awsx.Do(
			ctx,
			s.Client.PutItem,
			s.DecoratePutItem,
			&dynamodb.PutItemInput{
				TableName: aws.String(s.Table),
				Item:      marshalEntry(id, viewName, e),
			},
		); err != nil {
			return err
		}
	}

	s.publish(view.IndexUpdated, id)

	return nil
}

// DeleteIndex removes an index and the entries of all of its views.
func (s *Store) DeleteIndex(ctx context.Context, id view.Identity) error {
	md, ok, err := s.metadata(ctx, id)
	if err != nil || !ok {
		return err
	}

	for _, name := range md.Views {
		var seqs []uint64

		if err := s.rangeView(
			ctx,
			id,
			name,
			0,
			func(e view.Entry) bool {
				seqs = append(seqs, e.Seq)
				return true
			},
		); err != nil {
			return err
		}

		for _, seq := range seqs {
			if err := s.deleteItem(ctx, viewPartition(id, name), seq); err != nil {
				return err
			}
		}
	}

	if err := s.deleteItem(ctx, indexPartition(id), 0); err != nil {
		return err
	}

	s.publish(view.IndexDeleted, id)

	return nil
}

// UpdateSeq returns the highest sequence number in the index.
func (s *Store) UpdateSeq(ctx context.Context, id view.Identity) (uint64, bool, error) {
	md, ok, err := s.metadata(ctx, id)
	return md.UpdateSeq, ok, err
}

func (s *Store) metadata(ctx context.Context, id view.Identity) (metadata, bool, error) {
	out, err := awsx.Do(
		ctx,
		s.Client.GetItem,
		s.DecorateGetItem,
		&dynamodb.GetItemInput{
			TableName: aws.String(s.Table),
			Key: map[string]types.AttributeValue{
				partitionAttr: indexPartition(id),
				seqAttr:       marshalSeq(0),
			},
			ConsistentRead: aws.Bool(true),
		},
	)
	if err != nil || out.Item == nil {
		return metadata{}, false, err
	}

	var md metadata

	attr, err := getAttr[*types.AttributeValueMemberN](out.Item, updateSeqAttr)
	if err != nil {
		return metadata{}, false, err
	}

	md.UpdateSeq, err = strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return metadata{}, false, err
	}

	if views, ok, err := getOptionalAttr[*types.AttributeValueMemberSS](out.Item, viewsAttr); err != nil {
		return metadata{}, false, err
	} else if ok {
		md.Views = views.Value
	}

	return md, true, nil
}

// rangeView calls fn for each entry in a view with a sequence number greater
// than since, until fn returns false.
func (s *Store) rangeView(
	ctx context.Context,
	id view.Identity,
	viewName string,
	since uint64,
	fn func(view.Entry) bool,
) error {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.Table),
		KeyConditionExpression: aws.String(`#P = :P AND #S > :S`),
		ExpressionAttributeNames: map[string]string{
			"#P": partitionAttr,
			"#S": seqAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":P": viewPartition(id, viewName),
			":S": marshalSeq(since),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	for {
		out, err := awsx.Do(
			ctx,
			s.Client.Query,
			s.DecorateQuery,
			in,
		)
		if err != nil {
			return err
		}

		for _, item := range out.Items {
			e, err := unmarshalEntry(item)
			if err != nil {
				return err
			}

			if !fn(e) {
				return nil
			}
		}

		if out.LastEvaluatedKey == nil {
			return nil
		}

		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) deleteItem(ctx context.Context, partition types.AttributeValue, seq uint64) error {
	_, err := awsx.Do(
		ctx,
		s.Client.DeleteItem,
		s.DecorateDeleteItem,
		&dynamodb.DeleteItemInput{
			TableName: aws.String(s.Table),
			Key: map[string]types.AttributeValue{
				partitionAttr: partition,
				seqAttr:       marshalSeq(seq),
			},
		},
	)
	return err
}

func (s *Store) publish(t view.LifecycleEventType, id view.Identity) {
	if s.Publisher != nil {
		s.Publisher.Publish(view.LifecycleEvent{
			Type:     t,
			Identity: id,
		})
	}
}

// CreateTable creates a DynamoDB table for use with [Store].
func CreateTable(
	ctx context.Context,
	client *dynamodb.Client,
	table string,
	decorators ...func(*dynamodb.CreateTableInput) []func(*dynamodb.Options),
) error {
	_, err := awsx.Do(
		ctx,
		client.CreateTable,
		func(in *dynamodb.CreateTableInput) []func(*dynamodb.Options) {
			var options []func(*dynamodb.Options)
			for _, dec := range decorators {
				options = append(options, dec(in)...)
			}

			return options
		},
		&dynamodb.CreateTableInput{
			TableName: aws.String(table),
			AttributeDefinitions: []types.AttributeDefinition{
				{
					AttributeName: aws.String(partitionAttr),
					AttributeType: types.ScalarAttributeTypeS,
				},
				{
					AttributeName: aws.String(seqAttr),
					AttributeType: types.ScalarAttributeTypeN,
				},
			},
			KeySchema: []types.KeySchemaElement{
				{
					AttributeName: aws.String(partitionAttr),
					KeyType:       types.KeyTypeHash,
				},
				{
					AttributeName: aws.String(seqAttr),
					KeyType:       types.KeyTypeRange,
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	)

	if errors.As(err, new(*types.ResourceInUseException)) {
		return nil
	}

	return err
}

func indexPartition(id view.Identity) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{
		Value: "index:" + url.PathEscape(id.Database) + "/" + url.PathEscape(id.Index),
	}
}

func viewPartition(id view.Identity, viewName string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{
		Value: "view:" + url.PathEscape(id.Database) + "/" + url.PathEscape(id.Index) + "/" + url.PathEscape(viewName),
	}
}
