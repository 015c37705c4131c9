package member

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lxmf_group/internal/model"
)

type (
	MongoRepo struct {
		collection *mongo.Collection
	}

	sectionDoc struct {
		Order   int         `bson:"order"`
		Name    string      `bson:"name"`
		Members []memberDoc `bson:"members"`
	}

	memberDoc struct {
		Key  string `bson:"key"`
		Name string `bson:"name,omitempty"`
	}
)

// DefaultSections is the store a fresh deployment starts with.
var DefaultSections = []string{model.SectionSend, model.SectionReceive, model.SectionReceiveSend}

func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		collection: db.Collection("members"),
	}
}

func (r *MongoRepo) Load(ctx context.Context) ([]model.Section, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}})
	cur, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}

	var docs []sectionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		sections := make([]model.Section, 0, len(DefaultSections))
		for _, name := range DefaultSections {
			sections = append(sections, model.Section{Name: name})
		}
		return sections, nil
	}

	sections := make([]model.Section, 0, len(docs))
	for _, doc := range docs {
		sec := model.Section{Name: doc.Name}
		for _, md := range doc.Members {
			if m, ok := parseEntry(md.Key, md.Name); ok {
				sec.Members = append(sec.Members, m)
			}
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

// Save replaces the collection contents with sections.
func (r *MongoRepo) Save(ctx context.Context, sections []model.Section) error {
	docs := make([]any, 0, len(sections))
	for i, sec := range sections {
		doc := sectionDoc{Order: i, Name: sec.Name, Members: []memberDoc{}}
		for _, m := range sec.Members {
			if m.Wildcard {
				doc.Members = append(doc.Members, memberDoc{Key: m.Key})
				continue
			}
			doc.Members = append(doc.Members, memberDoc{Key: m.Address.Hex(), Name: m.DisplayName})
		}
		docs = append(docs, doc)
	}

	if _, err := r.collection.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	_, err := r.collection.InsertMany(ctx, docs)
	return err
}
