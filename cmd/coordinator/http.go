package main

import (
	"encoding/json"
	"net/http"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/verifier"
)

// newMux exposes the coordinatorapi.API surface over plain JSON-over-HTTP:
// one route per callable operation, the caller identity taken from
// auth-proxy-injected headers rather than any bearer-token parsing done
// here (that belongs to whatever reverse proxy terminates TLS in front of
// this process).
func newMux(api *coordinatorapi.API) http.Handler {
	mux := http.NewServeMux()

	handle(mux, "/listCeremonies", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		return api.ListCeremonies(r.Context(), coordinatorapi.ListCeremoniesRequest{Caller: caller})
	})

	handle(mux, "/getCeremony", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.GetCeremony(r.Context(), coordinatorapi.GetCeremonyRequest{CeremonyID: req.CeremonyID, Caller: caller})
	})

	handle(mux, "/getCircuits", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.GetCircuits(r.Context(), coordinatorapi.GetCircuitsRequest{CeremonyID: req.CeremonyID, Caller: caller})
	})

	handle(mux, "/getCircuitById", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID, CircuitID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.GetCircuitByID(r.Context(), coordinatorapi.GetCircuitByIDRequest{CeremonyID: req.CeremonyID, CircuitID: req.CircuitID, Caller: caller})
	})

	handle(mux, "/admitParticipant", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.AdmitParticipant(r.Context(), coordinatorapi.AdmitParticipantRequest{CeremonyID: req.CeremonyID, Caller: caller})
	})

	handle(mux, "/advanceToNextCircuit", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.AdvanceToNextCircuit(r.Context(), coordinatorapi.AdvanceToNextCircuitRequest{CeremonyID: req.CeremonyID, Caller: caller})
	})

	handle(mux, "/advanceStep", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.AdvanceStep(r.Context(), coordinatorapi.AdvanceStepRequest{CeremonyID: req.CeremonyID, Caller: caller})
	})

	handle(mux, "/storePermanentContributionRecord", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct {
			CeremonyID      string
			Hash            string
			ComputationTime int64
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.StorePermanentContributionRecord(r.Context(), coordinatorapi.StorePermanentContributionRecordRequest{
			CeremonyID: req.CeremonyID, Hash: req.Hash, ComputationTime: req.ComputationTime, Caller: caller,
		})
	})

	handle(mux, "/storeMultipartUploadId", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID, UploadID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.StoreMultipartUploadID(r.Context(), coordinatorapi.StoreMultipartUploadIDRequest{CeremonyID: req.CeremonyID, UploadID: req.UploadID, Caller: caller})
	})

	handle(mux, "/storeUploadedChunk", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct {
			CeremonyID string
			Chunk      ceremony.UploadedChunk
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.StoreUploadedChunk(r.Context(), coordinatorapi.StoreUploadedChunkRequest{CeremonyID: req.CeremonyID, Chunk: req.Chunk, Caller: caller})
	})

	handle(mux, "/verifyContribution", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID, CircuitID, BucketName string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.Verifier.VerifyContribution(r.Context(), verifier.Request{
			CeremonyID: req.CeremonyID, CircuitID: req.CircuitID, BucketName: req.BucketName, Caller: caller,
		})
	})

	handle(mux, "/resumeAfterTimeoutExpiration", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.ResumeAfterTimeoutExpiration(r.Context(), coordinatorapi.ResumeAfterTimeoutExpirationRequest{CeremonyID: req.CeremonyID, Caller: caller})
	})

	handle(mux, "/prepareForFinalization", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID, ParticipantID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.PrepareForFinalization(r.Context(), coordinatorapi.PrepareForFinalizationRequest{CeremonyID: req.CeremonyID, TargetParticipantID: req.ParticipantID, Caller: caller})
	})

	handle(mux, "/finalizeCircuit", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct {
			CeremonyID, CircuitID, BucketName, BeaconValue string
			VerifierContractFilename, VerificationKeyFilename string
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.FinalizeCircuit(r.Context(), coordinatorapi.FinalizeCircuitRequest{
			CeremonyID: req.CeremonyID, CircuitID: req.CircuitID, BucketName: req.BucketName, BeaconValue: req.BeaconValue,
			VerifierContractFilename: req.VerifierContractFilename, VerificationKeyFilename: req.VerificationKeyFilename,
			Caller: caller,
		})
	})

	handle(mux, "/finalizeCeremony", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ CeremonyID, ParticipantID string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.FinalizeCeremony(r.Context(), coordinatorapi.FinalizeCeremonyRequest{CeremonyID: req.CeremonyID, TargetParticipantID: req.ParticipantID, Caller: caller})
	})

	handle(mux, "/createBucket", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ Bucket string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.CreateBucket(r.Context(), coordinatorapi.CreateBucketRequest{Bucket: req.Bucket, Caller: caller})
	})

	handle(mux, "/headObject", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ Bucket, Key string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.HeadObject(r.Context(), coordinatorapi.HeadObjectRequest{Bucket: req.Bucket, Key: req.Key, Caller: caller})
	})

	handle(mux, "/presignGet", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct{ Bucket, Key string }
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		url, err := api.PresignGet(r.Context(), coordinatorapi.PresignGetRequest{Bucket: req.Bucket, Key: req.Key, Caller: caller})
		if err != nil {
			return nil, err
		}
		return map[string]string{"url": url}, nil
	})

	handle(mux, "/startMultipartUpload", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct {
			Bucket, CeremonyID, CircuitID string
			NextIndex                     int
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		key, uploadID, err := api.StartMultipartUpload(r.Context(), coordinatorapi.StartMultipartUploadRequest{
			Bucket: req.Bucket, CeremonyID: req.CeremonyID, CircuitID: req.CircuitID, NextIndex: req.NextIndex, Caller: caller,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"key": key, "uploadId": uploadID}, nil
	})

	handle(mux, "/presignParts", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct {
			Bucket, Key, UploadID string
			PartNumbers           []int32
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return api.PresignParts(r.Context(), coordinatorapi.PresignPartsRequest{
			Bucket: req.Bucket, Key: req.Key, UploadID: req.UploadID, PartNumbers: req.PartNumbers, Caller: caller,
		})
	})

	handle(mux, "/completeMultipartUpload", func(r *http.Request, caller config.CallerIdentity) (any, error) {
		var req struct {
			Bucket, CeremonyID, CircuitID, Key, UploadID string
			NextIndex                                    int
			Parts                                        []blobstore.UploadedPart
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, api.CompleteMultipartUpload(r.Context(), coordinatorapi.CompleteMultipartUploadRequest{
			Bucket: req.Bucket, CeremonyID: req.CeremonyID, CircuitID: req.CircuitID, NextIndex: req.NextIndex,
			Key: req.Key, UploadID: req.UploadID, Parts: req.Parts, Caller: caller,
		})
	})

	return mux
}

func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.New(errs.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

func callerFromHeaders(r *http.Request) config.CallerIdentity {
	return config.CallerIdentity{
		Email:         r.Header.Get("X-Caller-Email"),
		ParticipantID: r.Header.Get("X-Caller-Participant-Id"),
	}
}

func handle(mux *http.ServeMux, path string, fn func(*http.Request, config.CallerIdentity) (any, error)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		caller := callerFromHeaders(r)
		result, err := fn(r, caller)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := errs.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = httpStatusFor(kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func httpStatusFor(kind errs.Kind) int {
	switch kind {
	case errs.Unauthenticated:
		return http.StatusUnauthorized
	case errs.PermissionDenied:
		return http.StatusForbidden
	case errs.InvalidArgument:
		return http.StatusBadRequest
	case errs.FailedPrecondition:
		return http.StatusConflict
	case errs.NotFound:
		return http.StatusNotFound
	case errs.NoPendingContribution:
		return http.StatusConflict
	case errs.ConfigurationError:
		return http.StatusInternalServerError
	case errs.VMUnavailable, errs.VMCommandAborted, errs.StorageFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
