package postgres

import (
	"context"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

// UpsertImage implements [corpus.ImageStore]. An existing image with the same
// ID is completely replaced. A non-empty RelatedDocumentID that does not
// resolve to a stored document fails with InvalidInput via the foreign key.
func (s *Store) UpsertImage(ctx context.Context, img corpus.Image) error {
	if img.ID == "" {
		return fault.New(fault.InvalidInput, "postgres store: image id must not be empty")
	}
	if err := corpus.ValidateVector(img.Embedding, s.dimensions); err != nil {
		return err
	}

	// NULL rather than '' keeps the foreign key satisfiable for images
	// without a related note.
	var relatedDoc *string
	if img.RelatedDocumentID != "" {
		relatedDoc = &img.RelatedDocumentID
	}

	const q = `
		INSERT INTO images
		    (id, patient_id, study_id, view_position, storage_ref,
		     embedding, embedding_model_tag, related_document_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    patient_id          = EXCLUDED.patient_id,
		    study_id            = EXCLUDED.study_id,
		    view_position       = EXCLUDED.view_position,
		    storage_ref         = EXCLUDED.storage_ref,
		    embedding           = EXCLUDED.embedding,
		    embedding_model_tag = EXCLUDED.embedding_model_tag,
		    related_document_id = EXCLUDED.related_document_id`

	_, err := s.pool.Exec(ctx, q,
		img.ID,
		img.PatientID,
		img.StudyID,
		img.ViewPosition,
		img.StorageRef,
		pgvector.NewVector(img.Embedding),
		img.EmbeddingModelTag,
		relatedDoc,
	)
	if err != nil {
		return classify(err, "upsert image")
	}
	return nil
}

// GetImage implements [corpus.ImageStore].
func (s *Store) GetImage(ctx context.Context, id string) (*corpus.Image, error) {
	const q = `
		SELECT id, patient_id, study_id, view_position, storage_ref,
		       embedding, embedding_model_tag,
		       COALESCE(related_document_id, ''), created_at
		FROM   images
		WHERE  id = $1`

	var (
		img corpus.Image
		vec pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&img.ID,
		&img.PatientID,
		&img.StudyID,
		&img.ViewPosition,
		&img.StorageRef,
		&vec,
		&img.EmbeddingModelTag,
		&img.RelatedDocumentID,
		&img.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fault.New(fault.NotFound, "postgres store: image %q not found", id)
		}
		return nil, classify(err, "get image")
	}
	img.Embedding = vec.Slice()
	return &img, nil
}

// ImageVectorTopK returns the k most cosine-similar images. It is the
// image-table counterpart of [Store.VectorTopK]; the [corpus.ImageStore]
// interface is satisfied through [imageStoreView].
func (s *Store) ImageVectorTopK(ctx context.Context, queryVec []float32, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if err := corpus.ValidateVector(queryVec, s.dimensions); err != nil {
		return nil, err
	}
	return s.vectorTopK(ctx, "images", queryVec, k, filter)
}

// Images returns a [corpus.ImageStore] view of the store. The document and
// image capabilities both define VectorTopK, so the image variant is exposed
// through this narrow adapter.
func (s *Store) Images() corpus.ImageStore { return imageStoreView{s} }

// imageStoreView routes corpus.ImageStore calls to the image-table methods.
type imageStoreView struct{ s *Store }

func (v imageStoreView) UpsertImage(ctx context.Context, img corpus.Image) error {
	return v.s.UpsertImage(ctx, img)
}

func (v imageStoreView) GetImage(ctx context.Context, id string) (*corpus.Image, error) {
	return v.s.GetImage(ctx, id)
}

func (v imageStoreView) VectorTopK(ctx context.Context, queryVec []float32, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	return v.s.ImageVectorTopK(ctx, queryVec, k, filter)
}
